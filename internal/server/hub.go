package server

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/lanchat/internal/chaterr"
	"github.com/Tyrowin/lanchat/internal/protocol"
)

// DefaultRoom is the room every session joins on connect.
const DefaultRoom = "general"

// Hub is the session registry and room directory. A single mutex covers both
// because room membership changes need a consistent view of the registry.
//
// Hub never writes to a connection. Operations that produce notifications
// return them as outbound values holding the recipients resolved under the
// lock; the Router delivers them after the lock is released.
type Hub struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	rooms       map[string]*Room
	defaultRoom string
	seq         uint64
	now         func() time.Time
	logger      *slog.Logger
}

// NewHub creates a Hub with the default room and any extra rooms already
// created. An empty defaultRoom falls back to DefaultRoom.
func NewHub(defaultRoom string, rooms []string, logger *slog.Logger) *Hub {
	if defaultRoom == "" {
		defaultRoom = DefaultRoom
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		sessions:    make(map[string]*Session),
		rooms:       make(map[string]*Room),
		defaultRoom: defaultRoom,
		now:         time.Now,
		logger:      logger,
	}
	h.rooms[defaultRoom] = newRoom(defaultRoom, protocol.SystemSender, false, h.now())
	for _, name := range rooms {
		name = strings.TrimSpace(name)
		if name == "" || name == defaultRoom {
			continue
		}
		h.rooms[name] = newRoom(name, protocol.SystemSender, false, h.now())
	}
	return h
}

// DefaultRoomName returns the name of the room that is never deleted.
func (h *Hub) DefaultRoomName() string {
	return h.defaultRoom
}

// Register allocates a session for peer, gives it a default username and
// places it in the default room.
func (h *Hub) Register(peer Peer, remoteAddr string, remotePort int) (Session, []outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	now := h.now()
	s := &Session{
		ID:           sessionID(remoteAddr, remotePort, h.seq),
		Username:     defaultUsername(h.seq),
		Status:       protocol.StatusOnline,
		RemoteAddr:   remoteAddr,
		RemotePort:   remotePort,
		ConnectedAt:  now,
		LastActivity: now,
		seq:          h.seq,
		peer:         peer,
	}
	h.sessions[s.ID] = s
	outs := h.joinLocked(s, h.defaultRoom)

	h.logger.Debug("session registered", "id", s.ID, "username", s.Username,
		"addr", remoteAddr, "total", len(h.sessions))
	return *s, outs
}

// Unregister removes the session from its room and the registry. It is
// idempotent: the bool is false when the session was already gone.
func (h *Hub) Unregister(id string) (Session, []outbound, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregisterLocked(id)
}

func (h *Hub) unregisterLocked(id string) (Session, []outbound, bool) {
	s, ok := h.sessions[id]
	if !ok {
		return Session{}, nil, false
	}
	outs := h.leaveLocked(s)
	delete(h.sessions, id)

	h.logger.Debug("session unregistered", "id", id, "username", s.Username, "total", len(h.sessions))
	return *s, outs, true
}

// Rename changes the session's username. It fails with NameTaken when any
// other session holds newName (exact, case-sensitive match) and leaves the
// name unchanged. It returns the previous name.
func (h *Hub) Rename(id, newName string) (string, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return "", chaterr.Newf(chaterr.CodeInvalidRequest, "username must not be empty")
	}
	if newName == protocol.SystemSender {
		return "", chaterr.Newf(chaterr.CodeNameTaken, "username %q is reserved", newName)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return "", chaterr.Newf(chaterr.CodeInvalidRequest, "unknown session %s", id)
	}
	if other := h.findByNameLocked(newName); other != nil && other.ID != id {
		return s.Username, chaterr.Newf(chaterr.CodeNameTaken, "username %q already in use", newName)
	}
	old := s.Username
	s.Username = newName
	return old, nil
}

// Touch refreshes the session's last activity time.
func (h *Hub) Touch(id string) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.LastActivity = h.now()
	return *s, true
}

// SetStatus updates the session's presence.
func (h *Hub) SetStatus(id string, status protocol.Status) (Session, error) {
	if !status.Valid() {
		return Session{}, chaterr.Newf(chaterr.CodeInvalidRequest, "invalid status %q", status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return Session{}, chaterr.Newf(chaterr.CodeInvalidRequest, "unknown session %s", id)
	}
	s.Status = status
	return *s, nil
}

// Lookup returns the session with the given id.
func (h *Hub) Lookup(id string) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// FindByName returns the session currently holding name.
func (h *Hub) FindByName(name string) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.findByNameLocked(name)
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// findByNameLocked is a linear scan; the registry is expected to hold tens
// to low hundreds of sessions. When a default name collides with a chosen
// one, the earliest connected holder wins.
func (h *Hub) findByNameLocked(name string) *Session {
	var found *Session
	for _, s := range h.sessions {
		if s.Username == name && (found == nil || s.seq < found.seq) {
			found = s
		}
	}
	return found
}

// Sessions returns a snapshot of all sessions in connection order.
func (h *Hub) Sessions() []Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Usernames returns the sorted names of all connected sessions.
func (h *Hub) Usernames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.sessions))
	for _, s := range h.sessions {
		names = append(names, s.Username)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// EvictIdle unregisters every session whose last activity is older than
// threshold. It is meant to be called periodically by an external sweeper.
func (h *Hub) EvictIdle(threshold time.Duration) ([]Session, []outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-threshold)
	var idle []string
	for id, s := range h.sessions {
		if s.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}

	var removed []Session
	var outs []outbound
	for _, id := range idle {
		s, o, ok := h.unregisterLocked(id)
		if ok {
			removed = append(removed, s)
			outs = append(outs, o...)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].seq < removed[j].seq })
	return removed, outs
}

// Direct resolves a private delivery from senderID to the session holding
// targetName. The returned recipients are the target followed by the sender.
func (h *Hub) Direct(senderID, targetName string) ([]recipient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sender, ok := h.sessions[senderID]
	if !ok {
		return nil, chaterr.Newf(chaterr.CodeInvalidRequest, "unknown session %s", senderID)
	}
	target := h.findByNameLocked(targetName)
	if target == nil {
		return nil, chaterr.Newf(chaterr.CodeTargetNotFound, "%s is not online", targetName)
	}
	if target.ID == sender.ID {
		return nil, chaterr.ErrSelfTarget
	}
	return []recipient{
		{id: target.ID, peer: target.peer},
		{id: sender.ID, peer: sender.peer},
	}, nil
}

// RoomAudience returns the sender's current room and every other member of it.
func (h *Hub) RoomAudience(senderID string) (string, []recipient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[senderID]
	if !ok {
		return "", nil, false
	}
	return s.Room, h.roomRecipientsLocked(s.Room, senderID), true
}

// Everyone returns every registered session as a recipient.
func (h *Hub) Everyone() []recipient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allRecipientsLocked("")
}

// Recipient returns the session with the given id as a recipient.
func (h *Hub) Recipient(id string) (recipient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return recipient{}, false
	}
	return recipient{id: s.ID, peer: s.peer}, true
}

func (h *Hub) allRecipientsLocked(exclude string) []recipient {
	out := make([]recipient, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.ID == exclude {
			continue
		}
		out = append(out, recipient{id: s.ID, peer: s.peer})
	}
	return out
}

func systemNotice(room, format string, args ...any) protocol.Envelope {
	return protocol.Envelope{
		Type:    protocol.KindSystem,
		Sender:  protocol.SystemSender,
		Room:    room,
		Content: fmt.Sprintf(format, args...),
	}
}
