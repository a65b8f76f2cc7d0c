// Package config provides Viper-based configuration loading for the drawing relay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig bounds how many inbound frames a single connection may send.
// A connection that exceeds it is closed with a policy violation.
type RateLimitConfig struct {
	// PerSecond is the sustained number of frames accepted per second.
	PerSecond float64 `mapstructure:"per_second"`
	// Burst is the number of frames accepted back to back.
	Burst int `mapstructure:"burst"`
}

// WebSocketConfig holds transport settings for client connections.
type WebSocketConfig struct {
	// Path is the HTTP route that upgrades to WebSocket.
	Path string `mapstructure:"path"`
	// AllowedOrigins lists browser origins permitted to connect. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxMessageSize is the largest inbound frame in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// PongWait is how long a connection may stay silent before it is considered dead.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is the keepalive period. Must be shorter than PongWait.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// SendBuffer is the per-connection outbox capacity in frames.
	SendBuffer int `mapstructure:"send_buffer"`
	// RateLimit throttles inbound frames per connection.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RoomsConfig holds room lifecycle and event log bounds.
type RoomsConfig struct {
	// GracePeriod is how long an empty room survives before it is deleted.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// LogCap is the hard upper bound on a room's event log length.
	LogCap int `mapstructure:"log_cap"`
	// LogKeep is the number of most recent events retained when LogCap is exceeded.
	LogKeep int `mapstructure:"log_keep"`
}

// GatewayConfig holds protocol level limits.
type GatewayConfig struct {
	// MaxChatLength is the maximum chat text length in runes; longer text is cut.
	MaxChatLength int `mapstructure:"max_chat_length"`
}

// StatusConfig holds the gRPC status side channel settings.
type StatusConfig struct {
	// Enabled toggles the gRPC status listener.
	Enabled bool `mapstructure:"enabled"`
	// GRPCHost is the bind address for the status gRPC service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the status gRPC service.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.GRPCHost, s.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Status    StatusConfig    `mapstructure:"status"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWebSocket(c.WebSocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRooms(c.Rooms); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Gateway.MaxChatLength < 1 {
		errs = append(errs, fmt.Sprintf("gateway.max_chat_length must be >= 1, got %d", c.Gateway.MaxChatLength))
	}
	if err := validateStatus(c.Status); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535, got %d", s.Port)
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if w.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", w.MaxMessageSize))
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.PingInterval <= 0 || w.PingInterval >= w.PongWait {
		errs = append(errs, "websocket.ping_interval must be positive and shorter than websocket.pong_wait")
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if w.RateLimit.PerSecond <= 0 {
		errs = append(errs, "websocket.rate_limit.per_second must be positive")
	}
	if w.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Sprintf("websocket.rate_limit.burst must be >= 1, got %d", w.RateLimit.Burst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRooms(r RoomsConfig) error {
	var errs []string
	if r.GracePeriod <= 0 {
		errs = append(errs, "rooms.grace_period must be positive")
	}
	if r.LogKeep < 1 {
		errs = append(errs, fmt.Sprintf("rooms.log_keep must be >= 1, got %d", r.LogKeep))
	}
	if r.LogCap <= r.LogKeep {
		errs = append(errs, fmt.Sprintf("rooms.log_cap (%d) must exceed rooms.log_keep (%d)", r.LogCap, r.LogKeep))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStatus(s StatusConfig) error {
	if !s.Enabled {
		return nil
	}
	var errs []string
	if s.GRPCHost == "" {
		errs = append(errs, "status.grpc_host must not be empty")
	}
	if s.GRPCPort < 0 || s.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("status.grpc_port must be 0-65535, got %d", s.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment so they
// take part in the DRAWSYNC_ overrides applied by Load. Existing variables win.
//
// Postcondition: Returns nil when path is empty or does not exist.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// Default returns the defaults with environment overrides applied, without reading a file.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Default() (Config, error) {
	return LoadFromViper(newViper())
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with DRAWSYNC_ prefix
	v.SetEnvPrefix("DRAWSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.allowed_origins", []string{"*"})
	v.SetDefault("websocket.max_message_size", 16384)
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.send_buffer", 1024)
	v.SetDefault("websocket.rate_limit.per_second", 500)
	v.SetDefault("websocket.rate_limit.burst", 1000)

	v.SetDefault("rooms.grace_period", "5m")
	v.SetDefault("rooms.log_cap", 1000)
	v.SetDefault("rooms.log_keep", 500)

	v.SetDefault("gateway.max_chat_length", 500)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.grpc_host", "127.0.0.1")
	v.SetDefault("status.grpc_port", 50052)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
