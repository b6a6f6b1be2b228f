package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/lanchat/internal/protocol"
)

const testTimeout = 3 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.AllowedOrigins = []string{"http://chat.lan"}
	return cfg
}

// startServer serves on loopback listeners and shuts the relay down when the
// test ends.
func startServer(t *testing.T, customize ...func(*Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, fn := range customize {
		fn(&cfg)
	}
	srv := New(cfg, discardLogger())

	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), tcpLn, httpLn) }()
	require.Eventually(t, func() bool { return srv.TCPAddr() != nil }, testTimeout, 10*time.Millisecond)

	t.Cleanup(func() {
		_ = srv.Shutdown(testTimeout)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(testTimeout):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return srv
}

type tcpClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialTCP(t *testing.T, srv *Server) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &tcpClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *tcpClient) sendLine(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *tcpClient) send(env protocol.Envelope) {
	c.t.Helper()
	frame, err := protocol.Encode(env)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

// waitFor reads envelopes until match returns true.
func (c *tcpClient) waitFor(match func(protocol.Envelope) bool) protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		line, err := c.reader.ReadBytes('\n')
		require.NoError(c.t, err)
		env, err := protocol.DecodeLine(line)
		require.NoError(c.t, err)
		if match(env) {
			return env
		}
	}
}

func ofKind(kind protocol.Kind) func(protocol.Envelope) bool {
	return func(env protocol.Envelope) bool { return env.Type == kind }
}

func (c *tcpClient) login(name string) {
	c.t.Helper()
	c.waitFor(func(env protocol.Envelope) bool {
		return env.Type == protocol.KindSystem && strings.HasPrefix(env.Content, "Welcome")
	})
	c.send(protocol.Envelope{Type: protocol.KindLogin, Username: name})
	c.waitFor(func(env protocol.Envelope) bool {
		return env.Type == protocol.KindSystem && strings.HasSuffix(env.Content, "is now known as "+name)
	})
}

func TestTCPRoomChat(t *testing.T) {
	srv := startServer(t)

	alice := dialTCP(t, srv)
	alice.login("alice")
	bob := dialTCP(t, srv)
	bob.login("bob")

	alice.send(protocol.Envelope{Type: protocol.KindText, Content: "hello bob"})

	got := bob.waitFor(ofKind(protocol.KindText))
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "general", got.Room)
	assert.Equal(t, "hello bob", got.Content)
	assert.NotEmpty(t, got.ID)
	_, err := time.Parse(protocol.TimeFormat, got.Timestamp)
	assert.NoError(t, err)
}

func TestTCPPrivateMessageAndLegacyLine(t *testing.T) {
	srv := startServer(t)

	alice := dialTCP(t, srv)
	alice.login("alice")
	bob := dialTCP(t, srv)
	bob.login("bob")

	alice.send(protocol.Envelope{Type: protocol.KindPrivate, Target: "bob", Content: "psst"})
	got := bob.waitFor(ofKind(protocol.KindPrivate))
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "psst", got.Content)
	echo := alice.waitFor(ofKind(protocol.KindPrivate))
	assert.Equal(t, got.ID, echo.ID)

	bob.sendLine("just plain text")
	got = alice.waitFor(ofKind(protocol.KindText))
	assert.Equal(t, "bob", got.Sender)
	assert.Equal(t, "just plain text", got.Content)
}

func TestTCPMalformedEnvelopeKeepsConnection(t *testing.T) {
	srv := startServer(t)

	alice := dialTCP(t, srv)
	alice.login("alice")

	alice.sendLine(`{"type":"text",`)
	got := alice.waitFor(ofKind(protocol.KindError))
	assert.Equal(t, "malformed_payload", got.Code)

	alice.send(protocol.Envelope{Type: protocol.KindUsers})
	list := alice.waitFor(ofKind(protocol.KindUserList))
	assert.Equal(t, []string{"alice"}, list.Users)
}

func TestTCPDisconnectAnnouncesOffline(t *testing.T) {
	srv := startServer(t)

	alice := dialTCP(t, srv)
	alice.login("alice")
	bob := dialTCP(t, srv)
	bob.login("bob")

	require.NoError(t, bob.conn.Close())

	got := alice.waitFor(func(env protocol.Envelope) bool {
		return env.Type == protocol.KindUserStatus && env.Status == protocol.StatusOffline
	})
	assert.Equal(t, "bob", got.Username)
	require.Eventually(t, func() bool { return srv.Hub().Count() == 1 }, testTimeout, 10*time.Millisecond)
}

func TestShutdownNotifiesClients(t *testing.T) {
	srv := New(testConfig(), discardLogger())
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), tcpLn, nil) }()
	require.Eventually(t, func() bool { return srv.TCPAddr() != nil }, testTimeout, 10*time.Millisecond)

	alice := dialTCP(t, srv)
	alice.login("alice")

	require.NoError(t, srv.Shutdown(testTimeout))

	got := alice.waitFor(ofKind(protocol.KindSystem))
	assert.Equal(t, "Server is shutting down", got.Content)
	_, err = alice.reader.ReadBytes('\n')
	assert.ErrorIs(t, err, io.EOF)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after Shutdown")
	}
	assert.Equal(t, 0, srv.Hub().Count())
	assert.NoError(t, srv.Shutdown(time.Second), "second shutdown is a no-op")
	assert.ErrorIs(t, srv.Serve(context.Background(), nil, nil), ErrServerClosed)
}

func dialWS(t *testing.T, ts *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// readWS reads messages until an envelope matches. A message may carry
// several newline-terminated envelopes.
func readWS(t *testing.T, conn *websocket.Conn, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			env, err := protocol.DecodeLine([]byte(line))
			require.NoError(t, err)
			if match(env) {
				return env
			}
		}
	}
}

func TestWebSocketChatWithTCPClient(t *testing.T) {
	srv := startServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ws, _, err := dialWS(t, ts, "http://chat.lan")
	require.NoError(t, err)
	readWS(t, ws, ofKind(protocol.KindSystem))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"login","username":"webby"}`)))
	readWS(t, ws, func(env protocol.Envelope) bool {
		return env.Type == protocol.KindSystem && strings.Contains(env.Content, "is now known as webby")
	})

	tcp := dialTCP(t, srv)
	tcp.login("terminal")
	tcp.send(protocol.Envelope{Type: protocol.KindText, Content: "from tcp"})

	got := readWS(t, ws, ofKind(protocol.KindText))
	assert.Equal(t, "terminal", got.Sender)
	assert.Equal(t, "from tcp", got.Content)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"private","target":"terminal","content":"hi back"}`)))
	reply := tcp.waitFor(ofKind(protocol.KindPrivate))
	assert.Equal(t, "webby", reply.Sender)
	assert.Equal(t, "hi back", reply.Content)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	srv := New(testConfig(), discardLogger())
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	_, resp, err := dialWS(t, ts, "http://evil.example")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, _, err = dialWS(t, ts, "")
	assert.Error(t, err, "requests without an Origin header are rejected")
	assert.Equal(t, 0, srv.Hub().Count())
}

func TestWebSocketMessageSizeLimit(t *testing.T) {
	srv := startServer(t, func(cfg *Config) { cfg.MaxMessageSize = 512 })
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ws, _, err := dialWS(t, ts, "http://chat.lan")
	require.NoError(t, err)
	readWS(t, ws, ofKind(protocol.KindSystem))
	require.Eventually(t, func() bool { return srv.Hub().Count() == 1 }, testTimeout, 10*time.Millisecond)

	big := `{"type":"text","content":"` + strings.Repeat("x", 1024) + `"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(big)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		if _, _, err = ws.ReadMessage(); err != nil {
			break
		}
	}
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "server should close the connection")
	require.Eventually(t, func() bool { return srv.Hub().Count() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestTCPRateLimitDropsExcessEnvelopes(t *testing.T) {
	srv := startServer(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})

	alice := dialTCP(t, srv)
	alice.waitFor(ofKind(protocol.KindSystem))
	bob := dialTCP(t, srv)
	bob.waitFor(ofKind(protocol.KindSystem))
	require.Eventually(t, func() bool { return srv.Hub().Count() == 2 }, testTimeout, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		alice.sendLine("message")
	}

	dropped := srv.Metrics().dropped.WithLabelValues("rate_limited")
	require.Eventually(t, func() bool { return testutil.ToFloat64(dropped) == 3 }, testTimeout, 10*time.Millisecond)
	delivered := srv.Metrics().deliveries.WithLabelValues(string(protocol.KindText))
	assert.Equal(t, 2.0, testutil.ToFloat64(delivered))
	assert.Equal(t, 2, srv.Hub().Count(), "rate limiting never disconnects")
}

func TestTCPStalledPeerDoesNotBlockOthers(t *testing.T) {
	srv := startServer(t, func(cfg *Config) {
		cfg.SendQueueSize = 64
		cfg.WriteTimeout = 500 * time.Millisecond
		cfg.RateLimit = RateLimitConfig{Burst: 10000, RefillInterval: time.Second}
	})

	alice := dialTCP(t, srv)
	alice.login("alice")
	bob := dialTCP(t, srv)
	bob.login("bob")
	carol := dialTCP(t, srv)
	carol.login("carol")

	const messages = 200
	received := make(chan int, 1)
	go func() {
		n := 0
		defer func() { received <- n }()
		_ = bob.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for n < messages {
			line, err := bob.reader.ReadBytes('\n')
			if err != nil {
				return
			}
			env, err := protocol.DecodeLine(line)
			if err == nil && env.Type == protocol.KindText && env.Sender == "carol" {
				n++
			}
		}
	}()

	// alice never reads again; her socket buffers fill up.
	body := strings.Repeat("x", 256<<10)
	for i := 0; i < messages; i++ {
		carol.send(protocol.Envelope{Type: protocol.KindText, Content: body})
	}

	select {
	case n := <-received:
		assert.Equal(t, messages, n)
	case <-time.After(15 * time.Second):
		t.Fatal("reader was blocked by the stalled peer")
	}
	require.Eventually(t, func() bool {
		_, ok := srv.Hub().FindByName("alice")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	_, ok := srv.Hub().FindByName("bob")
	assert.True(t, ok)
}

func TestHTTPEndpoints(t *testing.T) {
	srv := New(testConfig(), discardLogger())
	srv.Router().Connect(&fakePeer{}, "10.0.0.1", 1)
	handler := srv.Routes()

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{name: "root", method: http.MethodGet, path: "/", wantCode: http.StatusOK, wantBody: "LAN chat relay is running!"},
		{name: "health", method: http.MethodGet, path: "/healthz", wantCode: http.StatusOK, wantBody: "LAN chat relay is running!"},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantCode: http.StatusOK, wantBody: "lanchat_sessions 1"},
		{name: "test page", method: http.MethodGet, path: "/test", wantCode: http.StatusOK, wantBody: "<!DOCTYPE html>"},
		{name: "ws rejects POST", method: http.MethodPost, path: "/ws", wantCode: http.StatusMethodNotAllowed, wantBody: "only accepts GET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := New(testConfig(), discardLogger())
	srv.Router().Connect(&fakePeer{}, "10.0.0.1", 1)
	srv.Router().Broadcast("hello")

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.TotalClients)
	assert.Equal(t, 1, st.ActiveClients)
	assert.Equal(t, 2, st.TotalRooms)
	assert.Equal(t, 1, st.TotalMessages)
}
