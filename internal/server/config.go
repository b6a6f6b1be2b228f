package server

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/lanchat/internal/chaterr"
	"github.com/Tyrowin/lanchat/internal/history"
	"github.com/Tyrowin/lanchat/internal/protocol"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the relay configuration, including security controls.
type Config struct {
	TCPAddr        string          `yaml:"tcp_addr"`
	HTTPAddr       string          `yaml:"http_addr"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	IdleTimeout    time.Duration   `yaml:"idle_timeout"`
	SweepInterval  time.Duration   `yaml:"sweep_interval"`
	HistorySize    int             `yaml:"history_size"`
	SendQueueSize  int             `yaml:"send_queue_size"`
	DefaultRoom    string          `yaml:"default_room"`
	Rooms          []string        `yaml:"rooms"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		TCPAddr:  ":8888",
		HTTPAddr: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: protocol.MaxFrameSize,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   10 * time.Minute,
		SweepInterval: time.Minute,
		HistorySize:   history.DefaultCapacity,
		SendQueueSize: 256,
		DefaultRoom:   DefaultRoom,
		Rooms:         []string{"random"},
	}
}

// Sanitize replaces unset or invalid values with defaults. Slices are
// copied so the result does not alias c.
func (c Config) Sanitize() Config {
	def := DefaultConfig()

	if c.TCPAddr == "" {
		c.TCPAddr = def.TCPAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > protocol.MaxFrameSize {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	c.DefaultRoom = strings.TrimSpace(c.DefaultRoom)
	if c.DefaultRoom == "" {
		c.DefaultRoom = def.DefaultRoom
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	c.Rooms = cleanList(c.Rooms)
	return c
}

// LoadConfig builds a configuration from defaults, the optional YAML file at
// path and the process environment, in increasing order of precedence.
// Call LoadDotEnv first to make .env values part of the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}

	ApplyEnv(&cfg)
	return cfg.Sanitize(), nil
}

// LoadFile reads a YAML configuration file. Keys absent from the file keep
// their default values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, chaterr.Wrap(err, "Config", "LoadFile", "read config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, chaterr.Wrap(err, "Config", "LoadFile", "parse config file")
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return chaterr.Wrap(err, "Config", "LoadDotEnv", "load "+f)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with any of the supported environment variables.
func ApplyEnv(cfg *Config) {
	if addr := os.Getenv("TCP_ADDR"); addr != "" {
		cfg.TCPAddr = addr
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if timeout := os.Getenv("WRITE_TIMEOUT"); timeout != "" {
		cfg.WriteTimeout = parseDuration(timeout, cfg.WriteTimeout)
	}
	if timeout := os.Getenv("IDLE_TIMEOUT"); timeout != "" {
		cfg.IdleTimeout = parseDuration(timeout, cfg.IdleTimeout)
	}
	if interval := os.Getenv("SWEEP_INTERVAL"); interval != "" {
		cfg.SweepInterval = parseDuration(interval, cfg.SweepInterval)
	}
	if size := os.Getenv("HISTORY_SIZE"); size != "" {
		cfg.HistorySize = parseIntValue(size, cfg.HistorySize)
	}
	if size := os.Getenv("SEND_QUEUE_SIZE"); size != "" {
		cfg.SendQueueSize = parseIntValue(size, cfg.SendQueueSize)
	}
	if room := os.Getenv("DEFAULT_ROOM"); room != "" {
		cfg.DefaultRoom = room
	}
	if rooms := os.Getenv("ROOMS"); rooms != "" {
		cfg.Rooms = parseList(rooms)
	}
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("90s", "2m") or a bare number
// of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
