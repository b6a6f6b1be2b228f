// Package protocol implements the newline-delimited JSON wire format spoken
// between chat clients and the relay.
//
// Each control envelope is one UTF-8 JSON object followed by '\n'. File and
// image payloads travel inside the envelope as base64 text, so there is a
// single framing scheme for everything. Lines that are not JSON objects are
// accepted as legacy plain-text chat.
package protocol

import "time"

// Kind names the type of an envelope on the wire.
type Kind string

// Envelope kinds.
const (
	KindText       Kind = "text"
	KindPrivate    Kind = "private"
	KindFile       Kind = "file_base64"
	KindImage      Kind = "image_base64"
	KindLogin      Kind = "login"
	KindSystem     Kind = "system"
	KindUserList   Kind = "user_list"
	KindUserStatus Kind = "user_status"
	KindError      Kind = "error"

	// Client requests.
	KindJoin       Kind = "join"
	KindLeave      Kind = "leave"
	KindCreateRoom Kind = "create_room"
	KindUsers      Kind = "users"
	KindHistory    Kind = "history"
	KindStatus     Kind = "status"
)

// IsPayload reports whether k carries a base64 file body.
func (k Kind) IsPayload() bool {
	return k == KindFile || k == KindImage
}

// ServerOnly reports whether k may only be produced by the relay.
func (k Kind) ServerOnly() bool {
	switch k {
	case KindSystem, KindUserList, KindUserStatus, KindError:
		return true
	}
	return false
}

// Status is a session's presence state.
type Status string

// Presence states. StatusOffline only appears in user_status notifications.
const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s can be set by a client.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusAway || s == StatusBusy
}

// DeliveryState tracks best-effort delivery of an envelope. It is local to
// the relay and never serialized.
type DeliveryState int

// Delivery states.
const (
	Sent DeliveryState = iota
	Delivered
)

func (d DeliveryState) String() string {
	if d == Delivered {
		return "delivered"
	}
	return "sent"
}

// SystemSender is the sender of relay-generated envelopes.
const SystemSender = "system"

// TimeFormat is the layout of the timestamp field.
const TimeFormat = time.RFC3339Nano

// Envelope is one discrete protocol message.
type Envelope struct {
	ID        string   `json:"id,omitempty"`
	Type      Kind     `json:"type"`
	Sender    string   `json:"sender,omitempty"`
	Target    string   `json:"target,omitempty"`
	Room      string   `json:"room,omitempty"`
	Content   string   `json:"content,omitempty"`
	Username  string   `json:"username,omitempty"`
	Filename  string   `json:"filename,omitempty"`
	Filesize  int64    `json:"filesize,omitempty"`
	Filedata  string   `json:"filedata,omitempty"`
	Users     []string `json:"users,omitempty"`
	Status    Status   `json:"status,omitempty"`
	Code      string   `json:"code,omitempty"`
	Warning   string   `json:"warning,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`

	DeliveryState DeliveryState `json:"-"`
}

// Stamp sets the envelope timestamp from t.
func (e *Envelope) Stamp(t time.Time) {
	e.Timestamp = t.UTC().Format(TimeFormat)
}

// WithoutPayload returns a copy of e with the file body removed.
func (e Envelope) WithoutPayload() Envelope {
	e.Filedata = ""
	if e.Users != nil {
		e.Users = append([]string(nil), e.Users...)
	}
	return e
}
