package server

import (
	"sort"
	"strings"
	"time"

	"github.com/Tyrowin/lanchat/internal/protocol"
)

// Room is a named broadcast scope. Members are held by session id.
type Room struct {
	Name      string
	CreatedBy string
	CreatedAt time.Time
	IsPrivate bool

	members map[string]struct{}
}

// RoomInfo is a read-only snapshot of a room.
type RoomInfo struct {
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	IsPrivate bool      `json:"isPrivate"`
	Members   int       `json:"users"`
}

func newRoom(name, creator string, isPrivate bool, now time.Time) *Room {
	return &Room{
		Name:      name,
		CreatedBy: creator,
		CreatedAt: now,
		IsPrivate: isPrivate,
		members:   make(map[string]struct{}),
	}
}

// CreateRoom adds an empty room. It returns false if the name is taken or
// blank. isPrivate is recorded but not enforced.
func (h *Hub) CreateRoom(name, creator string, isPrivate bool) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rooms[name]; exists {
		return false
	}
	h.rooms[name] = newRoom(name, creator, isPrivate, h.now())
	h.logger.Debug("room created", "room", name, "by", creator)
	return true
}

// HasRoom reports whether the room exists.
func (h *Hub) HasRoom(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[name]
	return ok
}

// Join moves the session into room, leaving its previous room first. The
// other members of room are told about the arrival and the joiner receives
// the member list. Joining the current room only resends the list.
func (h *Hub) Join(id, room string) (bool, []outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return false, nil
	}
	if _, ok := h.rooms[room]; !ok {
		return false, nil
	}
	if s.Room == room {
		return true, []outbound{h.memberListLocked(s, room)}
	}

	outs := h.leaveLocked(s)
	return true, append(outs, h.joinLocked(s, room)...)
}

// Leave takes the session out of room and returns it to the default room.
// It fails when room is not the session's current room or is the default.
func (h *Hub) Leave(id, room string) (bool, []outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok || s.Room != room || room == h.defaultRoom {
		return false, nil
	}

	outs := h.leaveLocked(s)
	return true, append(outs, h.joinLocked(s, h.defaultRoom)...)
}

// MembersOf returns the sorted usernames of the room's members. Member ids
// that no longer resolve to a session are pruned.
func (h *Hub) MembersOf(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.membersOfLocked(room)
}

// Rooms returns a snapshot of all rooms sorted by name.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		h.pruneLocked(r)
		out = append(out, RoomInfo{
			Name:      r.Name,
			CreatedBy: r.CreatedBy,
			CreatedAt: r.CreatedAt,
			IsPrivate: r.IsPrivate,
			Members:   len(r.members),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *Hub) joinLocked(s *Session, room string) []outbound {
	r, ok := h.rooms[room]
	if !ok {
		return nil
	}
	others := h.roomRecipientsLocked(room, s.ID)
	r.members[s.ID] = struct{}{}
	s.Room = room

	outs := make([]outbound, 0, 2)
	if len(others) > 0 {
		outs = append(outs, outbound{
			env:    systemNotice(room, "%s joined %s", s.Username, room),
			to:     others,
			record: true,
		})
	}
	return append(outs, h.memberListLocked(s, room))
}

// leaveLocked removes s from its current room, notifies the remaining
// members and deletes the room if it emptied.
func (h *Hub) leaveLocked(s *Session) []outbound {
	room := s.Room
	s.Room = ""
	r, ok := h.rooms[room]
	if !ok {
		return nil
	}
	delete(r.members, s.ID)

	var outs []outbound
	if others := h.roomRecipientsLocked(room, s.ID); len(others) > 0 {
		outs = append(outs, outbound{
			env:    systemNotice(room, "%s left %s", s.Username, room),
			to:     others,
			record: true,
		})
	}
	h.deleteIfEmptyLocked(room)
	return outs
}

func (h *Hub) deleteIfEmptyLocked(room string) {
	if room == h.defaultRoom {
		return
	}
	r, ok := h.rooms[room]
	if !ok {
		return
	}
	h.pruneLocked(r)
	if len(r.members) == 0 {
		delete(h.rooms, room)
		h.logger.Debug("room deleted", "room", room)
	}
}

func (h *Hub) memberListLocked(s *Session, room string) outbound {
	return outbound{
		env: protocol.Envelope{
			Type:   protocol.KindUserList,
			Sender: protocol.SystemSender,
			Room:   room,
			Users:  h.membersOfLocked(room),
		},
		to: []recipient{{id: s.ID, peer: s.peer}},
	}
}

func (h *Hub) membersOfLocked(room string) []string {
	r, ok := h.rooms[room]
	if !ok {
		return nil
	}
	h.pruneLocked(r)
	names := make([]string, 0, len(r.members))
	for id := range r.members {
		names = append(names, h.sessions[id].Username)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) roomRecipientsLocked(room, exclude string) []recipient {
	r, ok := h.rooms[room]
	if !ok {
		return nil
	}
	h.pruneLocked(r)
	out := make([]recipient, 0, len(r.members))
	for id := range r.members {
		if id == exclude {
			continue
		}
		out = append(out, recipient{id: id, peer: h.sessions[id].peer})
	}
	return out
}

// pruneLocked drops member ids that no longer resolve to a session in this
// room.
func (h *Hub) pruneLocked(r *Room) {
	for id := range r.members {
		s, ok := h.sessions[id]
		if !ok || s.Room != r.Name {
			delete(r.members, id)
			h.logger.Warn("pruned dangling room member", "room", r.Name, "id", id)
		}
	}
}
