package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/lanchat/internal/protocol"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8888", cfg.TCPAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, int64(protocol.MaxFrameSize), cfg.MaxMessageSize)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 1000, cfg.HistorySize)
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, "general", cfg.DefaultRoom)
	assert.Equal(t, []string{"random"}, cfg.Rooms)
}

func TestSanitizeFillsDefaults(t *testing.T) {
	cfg := Config{
		MaxMessageSize: protocol.MaxFrameSize * 2,
		RateLimit:      RateLimitConfig{Burst: -1},
		HistorySize:    -5,
		DefaultRoom:    "  ",
		Rooms:          []string{" lobby ", "", "dev"},
	}.Sanitize()

	def := DefaultConfig()
	assert.Equal(t, def.TCPAddr, cfg.TCPAddr)
	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.WriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, def.HistorySize, cfg.HistorySize)
	assert.Equal(t, "general", cfg.DefaultRoom)
	assert.Equal(t, []string{"lobby", "dev"}, cfg.Rooms)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TCP_ADDR", ":9999")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.lan, http://b.lan")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "7")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("WRITE_TIMEOUT", "2s")
	t.Setenv("IDLE_TIMEOUT", "5m")
	t.Setenv("SWEEP_INTERVAL", "bogus")
	t.Setenv("HISTORY_SIZE", "50")
	t.Setenv("SEND_QUEUE_SIZE", "0")
	t.Setenv("DEFAULT_ROOM", "lobby")
	t.Setenv("ROOMS", "dev,ops")

	cfg := DefaultConfig()
	ApplyEnv(&cfg)
	cfg = cfg.Sanitize()

	assert.Equal(t, ":9999", cfg.TCPAddr)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://a.lan", "http://b.lan"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, 7, cfg.RateLimit.Burst)
	assert.Equal(t, 3*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval, "invalid values keep the default")
	assert.Equal(t, 50, cfg.HistorySize)
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, "lobby", cfg.DefaultRoom)
	assert.Equal(t, []string{"dev", "ops"}, cfg.Rooms)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tcp_addr: ":7000"
rate_limit:
  burst: 3
  refill_interval: 500ms
idle_timeout: 90s
rooms: [lobby, dev]
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.TCPAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr, "absent keys keep defaults")
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, []string{"lobby", "dev"}, cfg.Rooms)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.LoadFile: read config file failed")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_addr: [unclosed"), 0o600))
	_, err = LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file failed")
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_addr: \":7000\"\nhistory_size: 10\n"), 0o600))
	t.Setenv("TCP_ADDR", ":7100")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.TCPAddr)
	assert.Equal(t, 10, cfg.HistorySize)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("LANCHAT_TEST_ROOM=fromfile\nLANCHAT_TEST_KEEP=fromfile\n"), 0o600))
	t.Setenv("LANCHAT_TEST_KEEP", "fromenv")
	t.Cleanup(func() { os.Unsetenv("LANCHAT_TEST_ROOM") })

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))

	assert.Equal(t, "fromfile", os.Getenv("LANCHAT_TEST_ROOM"))
	assert.Equal(t, "fromenv", os.Getenv("LANCHAT_TEST_KEEP"), "existing variables are not overridden")
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseDuration("2", time.Minute))
	assert.Equal(t, 1500*time.Millisecond, parseDuration("1.5s", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("-3s", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("soon", time.Minute))
}
