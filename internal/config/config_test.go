package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			AllowedOrigins: []string{"*"},
			MaxMessageSize: 16384,
			PongWait:       60 * time.Second,
			WriteTimeout:   10 * time.Second,
			PingInterval:   54 * time.Second,
			SendBuffer:     1024,
			RateLimit: RateLimitConfig{
				PerSecond: 500,
				Burst:     1000,
			},
		},
		Rooms: RoomsConfig{
			GracePeriod: 5 * time.Minute,
			LogCap:      1000,
			LogKeep:     500,
		},
		Gateway: GatewayConfig{
			MaxChatLength: 500,
		},
		Status: StatusConfig{
			Enabled:  true,
			GRPCHost: "127.0.0.1",
			GRPCPort: 50052,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestServerAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "0.0.0.0:3000", cfg.Server.Addr())
}

func TestStatusAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "127.0.0.1:50052", cfg.Status.Addr())
}

func TestDefaultMatchesRelayConstants(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Rooms.GracePeriod)
	assert.Equal(t, 1000, cfg.Rooms.LogCap)
	assert.Equal(t, 500, cfg.Rooms.LogKeep)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.Equal(t, []string{"*"}, cfg.WebSocket.AllowedOrigins)
	assert.Equal(t, RateLimitConfig{PerSecond: 500, Burst: 1000}, cfg.WebSocket.RateLimit)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: 3100
websocket:
  path: /socket
  allowed_origins:
    - http://localhost:3000
  pong_wait: 30s
  ping_interval: 20s
rooms:
  grace_period: 1m
  log_cap: 200
  log_keep: 100
logging:
  level: debug
  format: console
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3100, cfg.Server.Port)
	assert.Equal(t, "/socket", cfg.WebSocket.Path)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.WebSocket.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, time.Minute, cfg.Rooms.GracePeriod)
	assert.Equal(t, 200, cfg.Rooms.LogCap)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep their defaults
	assert.Equal(t, 500, cfg.Gateway.MaxChatLength)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 3100\n"), 0644))

	t.Setenv("DRAWSYNC_SERVER_PORT", "4100")
	t.Setenv("DRAWSYNC_ROOMS_GRACE_PERIOD", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Rooms.GracePeriod)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DRAWSYNC_LOGGING_LEVEL=warn\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("DRAWSYNC_LOGGING_LEVEL") })

	require.NoError(t, LoadEnvFile(path))

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadEnvFileMissingIsIgnored(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	assert.NoError(t, LoadEnvFile(""))
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rooms:\n  log_cap: 10\n  log_keep: 10\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rooms.log_cap")
}

func TestValidateServerPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = -1
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Server.Port = 65536
	assert.Error(t, cfg.Validate())
}

func TestValidateWebSocketPath(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.Path = "ws"
	assert.Error(t, cfg.Validate())
}

func TestValidatePingShorterThanPongWait(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.PingInterval = cfg.WebSocket.PongWait
	assert.Error(t, cfg.Validate())
}

func TestValidateRateLimit(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.RateLimit.PerSecond = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.WebSocket.RateLimit.Burst = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRoomsGraceMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.Rooms.GracePeriod = -time.Second
	assert.Error(t, cfg.Validate())

	cfg.Rooms.GracePeriod = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateStatusDisabledSkipsChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Status.Enabled = false
	cfg.Status.GRPCHost = ""
	assert.NoError(t, cfg.Validate())

	cfg.Status.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "trace"
	cfg.Gateway.MaxChatLength = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "gateway.max_chat_length")
}

func TestValidateLoggingLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := validConfig()
		cfg.Logging.Level = level
		assert.NoError(t, cfg.Validate(), "level %q should be valid", level)
	}
	cfg := validConfig()
	cfg.Logging.Level = "trace"
	assert.Error(t, cfg.Validate())
}

func TestValidateLoggingFormat(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		cfg := validConfig()
		cfg.Logging.Format = format
		assert.NoError(t, cfg.Validate(), "format %q should be valid", format)
	}
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

// Property-based tests

func TestPropertyLogBoundsRequireCapAboveKeep(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keep := rapid.IntRange(1, 5000).Draw(t, "keep")
		capacity := rapid.IntRange(-10, 10000).Draw(t, "cap")
		cfg := validConfig()
		cfg.Rooms.LogKeep = keep
		cfg.Rooms.LogCap = capacity
		err := cfg.Validate()
		if capacity > keep && err != nil {
			t.Fatalf("cap=%d keep=%d rejected: %v", capacity, keep, err)
		}
		if capacity <= keep && err == nil {
			t.Fatalf("cap=%d keep=%d accepted", capacity, keep)
		}
	})
}

func TestPropertyInvalidPortRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.OneOf(
			rapid.IntRange(-1000, -1),
			rapid.IntRange(65536, 100000),
		).Draw(t, "port")
		cfg := validConfig()
		cfg.Server.Port = port
		if err := cfg.Validate(); err == nil {
			t.Fatalf("invalid port %d accepted", port)
		}
	})
}
