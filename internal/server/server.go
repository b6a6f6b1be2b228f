package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/lanchat/internal/chaterr"
	"github.com/Tyrowin/lanchat/internal/history"
)

const listenerShutdownTimeout = 5 * time.Second

// ErrServerClosed is returned by Serve after Shutdown has been called.
var ErrServerClosed = errors.New("server: closed")

// Server owns the TCP and HTTP listeners, the idle sweeper and every
// connection worker of one relay instance.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	hub      *Hub
	router   *Router
	metrics  *Metrics
	origins  *originPolicy
	upgrader websocket.Upgrader
	http     *http.Server

	mu       sync.Mutex
	tcpLn    net.Listener
	httpLn   net.Listener
	cancel   context.CancelFunc
	shutdown bool
	clients  sync.WaitGroup
}

// New creates a relay from cfg. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Server {
	cfg = cfg.Sanitize()
	if logger == nil {
		logger = slog.Default()
	}

	metrics := NewMetrics()
	hub := NewHub(cfg.DefaultRoom, cfg.Rooms, logger.With("component", "hub"))
	router := NewRouter(hub, history.NewRing(cfg.HistorySize),
		WithLogger(logger.With("component", "router")),
		WithMetrics(metrics),
	)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     hub,
		router:  router,
		metrics: metrics,
		origins: newOriginPolicy(cfg.AllowedOrigins, logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.http = CreateServer(cfg.HTTPAddr, s.Routes())
	return s
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config { return s.cfg }

// Router returns the relay's message router.
func (s *Server) Router() *Router { return s.router }

// Hub returns the relay's session registry and room directory.
func (s *Server) Hub() *Hub { return s.hub }

// Metrics returns the relay's Prometheus collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// TCPAddr returns the address of the TCP listener, or nil before Serve.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// HTTPAddr returns the address of the HTTP listener, or nil before Serve.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// ListenAndServe listens on the configured TCP and HTTP addresses and
// serves until ctx is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return chaterr.Wrap(err, "Server", "ListenAndServe", "listen on "+s.cfg.TCPAddr)
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = tcpLn.Close()
		return chaterr.Wrap(err, "Server", "ListenAndServe", "listen on "+s.cfg.HTTPAddr)
	}
	return s.Serve(ctx, tcpLn, httpLn)
}

// Serve accepts chat connections on tcpLn and HTTP requests on httpLn.
// Either listener may be nil. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, tcpLn, httpLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.tcpLn, s.httpLn, s.cancel = tcpLn, httpLn, cancel
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if tcpLn != nil {
		s.logger.Info("TCP listener started", "addr", tcpLn.Addr().String())
		g.Go(func() error { return s.serveTCP(gctx, tcpLn) })
	}
	if httpLn != nil {
		s.logger.Info("HTTP listener started", "addr", httpLn.Addr().String())
		g.Go(func() error {
			if err := s.http.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return chaterr.Wrap(err, "Server", "Serve", "serve HTTP")
			}
			return nil
		})
	}
	g.Go(func() error {
		s.sweep(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})
	return g.Wait()
}

func (s *Server) serveTCP(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return chaterr.Wrap(err, "Server", "serveTCP", "accept connection")
		}
		s.metrics.recordAccept("tcp")
		s.startClient(newTCPTransport(conn), conn.RemoteAddr().String())
	}
}

// startClient runs a connection worker unless the server is shutting down.
func (s *Server) startClient(t transport, addr string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	s.clients.Add(1)
	s.mu.Unlock()

	c := newClient(t, s.router, s.cfg, addr, s.logger)
	go func() {
		defer s.clients.Done()
		c.serve()
	}()
}

// sweep evicts idle sessions on every tick until ctx is done.
func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if names := s.router.EvictIdle(s.cfg.IdleTimeout); len(names) > 0 {
				s.logger.Info("evicted idle clients", "count", len(names), "users", names)
			}
		}
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	tcpLn := s.tcpLn
	s.mu.Unlock()

	if tcpLn != nil {
		if err := tcpLn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing TCP listener", "error", err)
		}
	}
	if err := ShutdownServer(s.http, listenerShutdownTimeout); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
	}
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown announces the shutdown to every session, stops the listeners,
// disconnects all sessions and waits up to timeout for connection workers
// to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("initiating shutdown")
	s.router.Broadcast("Server is shutting down")
	if cancel != nil {
		cancel()
	}

	var errs []error
	if err := ShutdownServer(s.http, timeout); err != nil {
		errs = append(errs, chaterr.Wrap(err, "Server", "Shutdown", "stop HTTP server"))
	}

	n := s.router.DisconnectAll(ReasonShutdown)
	s.logger.Info("closed client connections", "count", n)

	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("shutdown completed")
	case <-time.After(timeout):
		s.logger.Warn("shutdown timeout reached, some connections may still be open")
		errs = append(errs, context.DeadlineExceeded)
	}
	return errors.Join(errs...)
}
