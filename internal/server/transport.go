package server

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readChunk  = 4096
)

// transport is the byte-stream side of a connection. Frames handed to write
// are complete newline-terminated lines; they may be shared with other
// connections and must not be modified.
type transport interface {
	read() ([]byte, error)
	write(frames [][]byte, deadline time.Time) error
	ping(deadline time.Time) error
	closeGracefully(deadline time.Time) error
	Close() error
	name() string
}

// tcpTransport carries raw newline-delimited JSON over a TCP connection.
type tcpTransport struct {
	conn net.Conn
	buf  []byte
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, buf: make([]byte, readChunk)}
}

func (t *tcpTransport) read() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n == 0 {
		return nil, err
	}
	chunk := make([]byte, n)
	copy(chunk, t.buf[:n])
	return chunk, err
}

// write hands the frames to the kernel in one vectored write.
func (t *tcpTransport) write(frames [][]byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	bufs := net.Buffers(frames)
	_, err := bufs.WriteTo(t.conn)
	return err
}

func (t *tcpTransport) ping(time.Time) error { return nil }

func (t *tcpTransport) closeGracefully(time.Time) error { return nil }

func (t *tcpTransport) Close() error { return t.conn.Close() }

func (t *tcpTransport) name() string { return "tcp" }

// wsTransport carries the same lines inside WebSocket text frames. A frame
// may hold several lines; a missing final newline is implied.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn, maxMessageSize int64) (*wsTransport, error) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return nil, err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	return data, nil
}

// write streams the frames into a single text message.
func (t *wsTransport) write(frames [][]byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	w, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if _, err := w.Write(frame); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

func (t *wsTransport) ping(deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) closeGracefully(deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (t *wsTransport) Close() error { return t.conn.Close() }

func (t *wsTransport) name() string { return "websocket" }

// splitHostPort parses a remote address into host and numeric port. Unknown
// forms keep the whole address as host with port 0.
func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// isReadLimitError reports whether err is a WebSocket frame over the read limit.
func isReadLimitError(err error) bool {
	return errors.Is(err, websocket.ErrReadLimit)
}
