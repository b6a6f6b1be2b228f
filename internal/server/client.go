package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/lanchat/internal/chaterr"
	"github.com/Tyrowin/lanchat/internal/protocol"
)

// maxBatchBytes bounds how much queued data one transport write gathers.
const maxBatchBytes = 1 << 20

// Client is one live connection. It implements Peer: the router queues
// frames with Enqueue and the write pump drains them onto the transport.
type Client struct {
	id           string
	conn         transport
	router       *Router
	send         chan []byte
	mu           sync.Mutex
	closed       bool
	decoder      *protocol.Decoder
	rateLimiter  *rate.Limiter
	rateLimit    RateLimitConfig
	writeTimeout time.Duration
	addr         string
	logger       *slog.Logger
}

func newClient(conn transport, router *Router, cfg Config, addr string, logger *slog.Logger) *Client {
	return &Client{
		conn:         conn,
		router:       router,
		send:         make(chan []byte, cfg.SendQueueSize),
		decoder:      protocol.NewDecoder(int(cfg.MaxMessageSize)),
		rateLimiter:  newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:    cfg.RateLimit,
		writeTimeout: cfg.WriteTimeout,
		addr:         addr,
		logger:       logger.With("addr", addr, "transport", conn.name()),
	}
}

// Enqueue queues a frame without blocking. It returns false when the client
// is closed or its queue is full.
func (c *Client) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which then closes the transport. It is safe
// to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// serve registers the client, runs both pumps and returns once the
// connection is finished.
func (c *Client) serve() {
	host, port := splitHostPort(c.addr)
	session := c.router.Connect(c, host, port)
	c.id = session.ID
	c.logger = c.logger.With("id", session.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	<-done
}

func (c *Client) readPump() {
	defer func() {
		c.router.Disconnect(c.id, ReasonClosed)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", "error", err)
		}
	}()

	for {
		chunk, err := c.conn.read()
		if len(chunk) > 0 {
			c.decoder.Feed(chunk)
			c.drain()
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// drain routes every complete envelope currently buffered.
func (c *Client) drain() {
	for {
		env, err := c.decoder.Next()
		if errors.Is(err, protocol.ErrNeedMoreBytes) {
			return
		}
		if err != nil {
			c.router.Reject(c.id, err)
			continue
		}
		if !c.checkRateLimit() {
			continue
		}
		c.router.Route(c.id, env)
	}
}

// checkRateLimit reports whether the client may send another envelope.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn("rate limit exceeded; discarding envelope",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		c.router.metrics.recordDrop("rate_limited")
		return false
	}
	return true
}

// handleReadError logs the end of the read loop at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case isReadLimitError(err):
		c.logger.Warn("message exceeded maximum size", "error", err)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", "error", err)
	default:
		c.logger.Warn("read error", "error", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in writePump", "error", err)
		}
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		if !ok {
			if err := c.conn.closeGracefully(time.Now().Add(c.writeTimeout)); err != nil && !isExpectedCloseError(err) {
				c.logger.Debug("error writing close message", "error", err)
			}
			return false
		}
		return c.writeFrames(frame)
	case <-ticker.C:
		if err := c.conn.ping(time.Now().Add(c.writeTimeout)); err != nil {
			c.logger.Warn("error writing ping", "error", err)
			return false
		}
		return true
	}
}

// writeFrames writes frame together with frames already queued, up to
// maxBatchBytes per write. Frames are passed through uncopied. A failed or
// timed-out write ends the pump; the read side then sees the closed
// transport and unregisters the session.
func (c *Client) writeFrames(frame []byte) bool {
	batch := [][]byte{frame}
	size := len(frame)
	for size < maxBatchBytes && len(c.send) > 0 {
		next, ok := <-c.send
		if !ok {
			break
		}
		batch = append(batch, next)
		size += len(next)
	}

	if err := c.conn.write(batch, time.Now().Add(c.writeTimeout)); err != nil {
		if !isExpectedCloseError(err) {
			err = fmt.Errorf("%w: %v", chaterr.ErrTransportWriteFailure, err)
			code := chaterr.CodeOf(err)
			c.logger.Warn("transport write failed", "code", code, "bytes", size, "error", err)
			c.router.metrics.recordError(string(code))
		}
		return false
	}
	return true
}
