package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Tyrowin/lanchat/internal/protocol"
)

// Session is the server-side state of one live connection. Values returned
// by the Hub are snapshots; mutating them has no effect on the registry.
type Session struct {
	ID           string
	Username     string
	Room         string
	Status       protocol.Status
	RemoteAddr   string
	RemotePort   int
	ConnectedAt  time.Time
	LastActivity time.Time

	seq  uint64
	peer Peer
}

// sessionID derives a stable opaque id from the remote endpoint and a
// process-wide counter, so ids are never reused while the process runs.
func sessionID(addr string, port int, seq uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", addr, port, seq)))
	return fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:6]), seq)
}

func defaultUsername(seq uint64) string {
	return fmt.Sprintf("User%d", seq)
}
