package server

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/lanchat/internal/chaterr"
	"github.com/Tyrowin/lanchat/internal/history"
	"github.com/Tyrowin/lanchat/internal/protocol"
)

// Disconnect reasons, also used as metric labels.
const (
	ReasonClosed   = "closed"
	ReasonIdle     = "idle"
	ReasonSlow     = "slow"
	ReasonShutdown = "shutdown"
)

const (
	defaultHistoryLimit = 50
	activeWindow        = 5 * time.Minute
)

// Router classifies decoded envelopes, resolves their recipients through the
// Hub and queues the encoded frames on each recipient's Peer.
type Router struct {
	hub     *Hub
	history *history.Ring
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithClock overrides the time source used for envelope timestamps.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter creates a Router over hub that records deliveries in ring.
func NewRouter(hub *Hub, ring *history.Ring, opts ...RouterOption) *Router {
	r := &Router{
		hub:     hub,
		history: ring,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hub returns the registry the router delivers through.
func (r *Router) Hub() *Hub {
	return r.hub
}

// History returns the router's history ring.
func (r *Router) History() *history.Ring {
	return r.history
}

// Connect registers a new session for peer, welcomes it, and announces it
// to everyone.
func (r *Router) Connect(peer Peer, remoteAddr string, remotePort int) Session {
	s, outs := r.hub.Register(peer, remoteAddr, remotePort)
	r.logger.Info("client connected", "id", s.ID, "username", s.Username,
		"addr", remoteAddr, "port", remotePort)

	welcome := systemNotice(s.Room, "Welcome %s, you are in %s", s.Username, s.Room)
	outs = append(outs,
		outbound{env: welcome, to: []recipient{{id: s.ID, peer: peer}}},
		r.presence(s.Username, protocol.StatusOnline),
	)
	r.dispatch(outs)
	r.metrics.setSessions(r.hub.Count())
	return s
}

// Disconnect unregisters the session and closes its peer. It is idempotent
// and reports whether the session was still registered.
func (r *Router) Disconnect(id, reason string) bool {
	failed, ok := r.disconnect(id, reason)
	r.dropFailed(failed)
	return ok
}

// DisconnectAll disconnects every session and returns how many were removed.
func (r *Router) DisconnectAll(reason string) int {
	n := 0
	for _, s := range r.hub.Sessions() {
		if r.Disconnect(s.ID, reason) {
			n++
		}
	}
	return n
}

// EvictIdle disconnects sessions idle for longer than threshold and returns
// their usernames.
func (r *Router) EvictIdle(threshold time.Duration) []string {
	removed, outs := r.hub.EvictIdle(threshold)
	failed := r.deliverAll(outs)

	names := make([]string, 0, len(removed))
	for _, s := range removed {
		names = append(names, s.Username)
		failed = append(failed, r.finishDisconnect(s, nil, ReasonIdle)...)
	}
	r.dropFailed(failed)
	return names
}

// Broadcast sends a system envelope to every session and returns the number
// of recipients.
func (r *Router) Broadcast(content string) int {
	to := r.hub.Everyone()
	r.dispatch([]outbound{{env: systemNotice("", "%s", content), to: to, record: true}})
	return len(to)
}

// Reject reports a decode failure to the offending session only.
func (r *Router) Reject(id string, err error) {
	r.logger.Debug("rejected envelope", "id", id, "error", err)
	r.reply(id, err)
}

// Route dispatches one envelope decoded from the session's connection.
func (r *Router) Route(id string, env protocol.Envelope) {
	s, ok := r.hub.Touch(id)
	if !ok {
		return
	}
	r.metrics.recordInbound(string(env.Type))

	switch env.Type {
	case protocol.KindText, protocol.KindPrivate, protocol.KindFile, protocol.KindImage:
		r.routeChat(s, env)
	case protocol.KindLogin:
		r.routeLogin(s, env)
	case protocol.KindJoin:
		r.routeJoin(s, env)
	case protocol.KindLeave:
		r.routeLeave(s, env)
	case protocol.KindCreateRoom:
		r.routeCreateRoom(s, env)
	case protocol.KindUsers:
		r.dispatch([]outbound{r.userList(s)})
	case protocol.KindHistory:
		r.routeHistory(s, env)
	case protocol.KindStatus:
		r.routeStatus(s, env)
	default:
		r.logger.Warn("dropping envelope", "id", s.ID, "type", env.Type,
			"error", chaterr.ErrUnknownEnvelopeKind)
		r.metrics.recordDrop("unknown_kind")
	}
}

func (r *Router) routeChat(s Session, env protocol.Envelope) {
	env.ID = ""
	env.Timestamp = ""
	env.Sender = s.Username
	env.Users = nil
	env.Username = ""
	env.Status = ""
	env.Code = ""
	env.Limit = 0
	if !env.Type.IsPayload() {
		env.Filedata = ""
		env.Warning = ""
	}

	if env.Type == protocol.KindPrivate && env.Target == "" {
		r.reply(s.ID, chaterr.Newf(chaterr.CodeInvalidRequest, "private message needs a target"))
		return
	}

	if env.Target != "" {
		to, err := r.hub.Direct(s.ID, env.Target)
		if err != nil {
			r.reply(s.ID, err)
			return
		}
		if env.Type == protocol.KindText {
			env.Type = protocol.KindPrivate
		}
		env.Room = ""
		r.dispatch([]outbound{{env: env, to: to, record: true, origin: s.ID}})
		return
	}

	room, to, ok := r.hub.RoomAudience(s.ID)
	if !ok {
		return
	}
	env.Room = room
	r.dispatch([]outbound{{env: env, to: to, record: true, origin: s.ID}})
}

func (r *Router) routeLogin(s Session, env protocol.Envelope) {
	name := env.Username
	if name == "" {
		name = env.Content
	}
	name = strings.TrimSpace(name)

	old, err := r.hub.Rename(s.ID, name)
	if err != nil {
		r.reply(s.ID, err)
		return
	}
	if old == name {
		return
	}
	r.logger.Info("client renamed", "id", s.ID, "from", old, "to", name)
	r.dispatch([]outbound{{
		env:    systemNotice("", "%s is now known as %s", old, name),
		to:     r.hub.Everyone(),
		record: true,
	}})
}

func (r *Router) routeJoin(s Session, env protocol.Envelope) {
	room := strings.TrimSpace(env.Room)
	if room == "" {
		r.reply(s.ID, chaterr.Newf(chaterr.CodeInvalidRequest, "join needs a room"))
		return
	}
	if r.hub.CreateRoom(room, s.Username, false) {
		r.logger.Info("room created", "room", room, "by", s.Username)
	}

	ok, outs := r.hub.Join(s.ID, room)
	if !ok {
		r.reply(s.ID, chaterr.Newf(chaterr.CodeRoomNotFound, "room %q does not exist", room))
		return
	}
	r.dispatch(outs)
}

func (r *Router) routeLeave(s Session, env protocol.Envelope) {
	room := strings.TrimSpace(env.Room)
	if room == "" {
		room = s.Room
	}
	ok, outs := r.hub.Leave(s.ID, room)
	if !ok {
		r.reply(s.ID, chaterr.Newf(chaterr.CodeInvalidRequest, "cannot leave room %q", room))
		return
	}
	r.dispatch(outs)
}

func (r *Router) routeCreateRoom(s Session, env protocol.Envelope) {
	room := strings.TrimSpace(env.Room)
	if room == "" {
		r.reply(s.ID, chaterr.Newf(chaterr.CodeInvalidRequest, "create_room needs a room"))
		return
	}
	if !r.hub.CreateRoom(room, s.Username, false) {
		r.reply(s.ID, chaterr.Newf(chaterr.CodeRoomExists, "room %q already exists", room))
		return
	}
	r.logger.Info("room created", "room", room, "by", s.Username)
	r.notify(s.ID, systemNotice(room, "room %s created", room))
}

func (r *Router) routeHistory(s Session, env protocol.Envelope) {
	limit := env.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rcpt, ok := r.hub.Recipient(s.ID)
	if !ok {
		return
	}

	entries := r.history.RecentInRoom(s.Room, limit)
	outs := make([]outbound, 0, len(entries))
	for _, e := range entries {
		outs = append(outs, outbound{env: e, to: []recipient{rcpt}})
	}
	r.dispatch(outs)
}

func (r *Router) routeStatus(s Session, env protocol.Envelope) {
	updated, err := r.hub.SetStatus(s.ID, env.Status)
	if err != nil {
		r.reply(s.ID, err)
		return
	}
	r.dispatch([]outbound{r.presence(updated.Username, updated.Status)})
}

func (r *Router) userList(s Session) outbound {
	out := outbound{env: protocol.Envelope{
		Type:   protocol.KindUserList,
		Sender: protocol.SystemSender,
		Users:  r.hub.Usernames(),
	}}
	if rcpt, ok := r.hub.Recipient(s.ID); ok {
		out.to = []recipient{rcpt}
	}
	return out
}

func (r *Router) presence(username string, status protocol.Status) outbound {
	return outbound{
		env: protocol.Envelope{
			Type:     protocol.KindUserStatus,
			Sender:   protocol.SystemSender,
			Username: username,
			Status:   status,
		},
		to: r.hub.Everyone(),
	}
}

// reply sends an error envelope to one session.
func (r *Router) reply(id string, err error) {
	r.dispatch([]outbound{r.errorReply(id, err)})
}

func (r *Router) notify(id string, env protocol.Envelope) {
	rcpt, ok := r.hub.Recipient(id)
	if !ok {
		return
	}
	r.dispatch([]outbound{{env: env, to: []recipient{rcpt}}})
}

func (r *Router) errorReply(id string, err error) outbound {
	code := chaterr.CodeOf(err)
	r.metrics.recordError(string(code))

	out := outbound{env: protocol.Envelope{
		Type:    protocol.KindError,
		Sender:  protocol.SystemSender,
		Code:    string(code),
		Content: chaterr.Message(err),
	}}
	if rcpt, ok := r.hub.Recipient(id); ok {
		out.to = []recipient{rcpt}
	}
	return out
}

func (r *Router) disconnect(id, reason string) ([]string, bool) {
	s, outs, ok := r.hub.Unregister(id)
	if !ok {
		return nil, false
	}
	return r.finishDisconnect(s, outs, reason), true
}

// finishDisconnect closes the peer of an already unregistered session and
// announces its departure. It returns the ids of recipients whose queues
// rejected the announcements.
func (r *Router) finishDisconnect(s Session, outs []outbound, reason string) []string {
	if s.peer != nil {
		if err := s.peer.Close(); err != nil && !isExpectedCloseError(err) {
			r.logger.Warn("error closing peer", "id", s.ID, "error", err)
		}
	}
	r.logger.Info("client disconnected", "id", s.ID, "username", s.Username,
		"addr", s.RemoteAddr, "reason", reason)
	r.metrics.recordDisconnect(reason)
	r.metrics.setSessions(r.hub.Count())

	outs = append(outs, r.presence(s.Username, protocol.StatusOffline))
	return r.deliverAll(outs)
}

// dispatch delivers outs and disconnects every recipient that could not
// accept its frame.
func (r *Router) dispatch(outs []outbound) {
	r.dropFailed(r.deliverAll(outs))
}

// dropFailed disconnects slow peers. Departure notices can themselves fail
// to reach other slow peers, so it runs as a worklist until no failures
// remain.
func (r *Router) dropFailed(ids []string) {
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		more, ok := r.disconnect(id, ReasonSlow)
		if ok {
			r.logger.Warn("client removed due to full send buffer", "id", id)
		}
		ids = append(ids, more...)
	}
}

func (r *Router) deliverAll(outs []outbound) []string {
	var failed []string
	for _, out := range outs {
		failed = append(failed, r.deliver(out)...)
	}
	return failed
}

// deliver encodes the envelope once and queues it on every recipient. The
// envelope is recorded in history once regardless of the recipient count.
func (r *Router) deliver(out outbound) []string {
	env := out.env
	if env.ID == "" {
		env.ID = r.newID()
	}
	if env.Timestamp == "" {
		env.Stamp(r.now())
	}

	frame, err := protocol.Encode(env)
	if err != nil {
		r.logger.Warn("dropping envelope", "type", env.Type, "sender", env.Sender, "error", err)
		if out.origin != "" {
			return r.deliver(r.errorReply(out.origin, err))
		}
		return nil
	}

	var failed []string
	delivered := 0
	for _, to := range out.to {
		if to.peer != nil && to.peer.Enqueue(frame) {
			delivered++
			continue
		}
		failed = append(failed, to.id)
	}
	if delivered > 0 {
		env.DeliveryState = protocol.Delivered
	}

	if out.record {
		r.history.Append(env.WithoutPayload())
		r.metrics.setHistoryLength(r.history.Len())
	}
	r.metrics.recordDelivery(string(env.Type), delivered, len(frame))
	return failed
}

// Stats summarizes the relay state.
type Stats struct {
	TotalClients  int        `json:"totalClients"`
	ActiveClients int        `json:"activeClients"`
	TotalRooms    int        `json:"totalRooms"`
	TotalMessages int        `json:"totalMessages"`
	Rooms         []RoomInfo `json:"rooms"`
}

// Stats returns counts of sessions, sessions active in the last five
// minutes, rooms and stored history entries.
func (r *Router) Stats() Stats {
	sessions := r.hub.Sessions()
	rooms := r.hub.Rooms()
	cutoff := r.now().Add(-activeWindow)

	active := 0
	for _, s := range sessions {
		if s.LastActivity.After(cutoff) {
			active++
		}
	}
	return Stats{
		TotalClients:  len(sessions),
		ActiveClients: active,
		TotalRooms:    len(rooms),
		TotalMessages: r.history.Len(),
		Rooms:         rooms,
	}
}
