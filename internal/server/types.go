package server

import (
	"strings"

	"github.com/Tyrowin/lanchat/internal/protocol"
)

// Peer is the write side of a live connection as seen by the hub and router.
// Enqueue must never block; it reports false when the frame could not be
// queued because the peer is closed or its queue is full.
type Peer interface {
	Enqueue(frame []byte) bool
	Close() error
}

// recipient is a resolved delivery target captured under the hub lock.
type recipient struct {
	id   string
	peer Peer
}

// outbound is one envelope and the recipients it must reach. The envelope is
// stamped and encoded by the router after the hub lock is released.
type outbound struct {
	env    protocol.Envelope
	to     []recipient
	record bool
	origin string
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
