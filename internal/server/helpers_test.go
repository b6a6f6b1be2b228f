package server

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/lanchat/internal/history"
	"github.com/Tyrowin/lanchat/internal/protocol"
)

// fakePeer records queued frames. A full peer rejects every frame, which the
// router treats as a stalled connection.
type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (p *fakePeer) Enqueue(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.full {
		return false
	}
	p.frames = append(p.frames, frame)
	return true
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) setFull(full bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.full = full
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

func (p *fakePeer) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(p.frames))
	for _, frame := range p.frames {
		env, err := protocol.DecodeLine(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (p *fakePeer) ofType(t *testing.T, kind protocol.Kind) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, env := range p.envelopes(t) {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter() *Router {
	hub := NewHub("", []string{"random"}, discardLogger())
	return NewRouter(hub, history.NewRing(100), WithLogger(discardLogger()), WithMetrics(NewMetrics()))
}

type testUser struct {
	id   string
	peer *fakePeer
}

// connectAs connects a fake peer and renames it to name.
func connectAs(t *testing.T, r *Router, name string) testUser {
	t.Helper()
	p := &fakePeer{}
	s := r.Connect(p, "192.168.1.10", 40000+len(r.Hub().Sessions()))
	if name != "" {
		r.Route(s.ID, protocol.Envelope{Type: protocol.KindLogin, Username: name})
		got, ok := r.Hub().Lookup(s.ID)
		require.True(t, ok)
		require.Equal(t, name, got.Username)
	}
	return testUser{id: s.ID, peer: p}
}

func resetAll(users ...testUser) {
	for _, u := range users {
		u.peer.reset()
	}
}
