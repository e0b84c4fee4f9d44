package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/transport"
)

// DefaultChunkSize is the upload chunk size used by the MeshCentral web client.
const DefaultChunkSize = 65564

// Config holds configuration for a control session.
type Config struct {
	// URL is the server address, "wss://host[:port][/path]".
	URL string `yaml:"url" toml:"url"`

	// Username for authentication. With a login key it defaults to "admin".
	Username string `yaml:"username" toml:"username"`

	// Password for authentication.
	Password string `yaml:"password" toml:"password"`

	// Token is an optional second-factor login token.
	Token string `yaml:"token" toml:"token"`

	// Domain is the MeshCentral domain ("" for the default domain).
	Domain string `yaml:"domain" toml:"domain"`

	// LoginKey is a login key file path, hex string or raw key. When set it
	// takes precedence over Password.
	LoginKey string `yaml:"login_key" toml:"login_key"`

	// Proxy is an HTTP proxy, "host:port" or a URL.
	Proxy string `yaml:"proxy" toml:"proxy"`

	// InsecureSkipVerify skips TLS certificate verification.
	// WARNING: Only use for testing.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`

	// AutoReconnect redials the control channel after it drops.
	AutoReconnect bool `yaml:"auto_reconnect" toml:"auto_reconnect"`

	// Reconnect is the backoff policy used with AutoReconnect.
	Reconnect transport.ReconnectPolicy `yaml:"reconnect" toml:"reconnect"`

	// CommandTimeout bounds calls whose context carries no deadline.
	CommandTimeout time.Duration `yaml:"command_timeout" toml:"command_timeout"`

	// TunnelOpenTimeout bounds relay negotiation and handshake.
	TunnelOpenTimeout time.Duration `yaml:"tunnel_open_timeout" toml:"tunnel_open_timeout"`

	// SendQueueSize is the outbound frame queue capacity per connection.
	SendQueueSize int `yaml:"send_queue_size" toml:"send_queue_size"`

	// ChunkSize is the upload chunk size in bytes.
	ChunkSize int `yaml:"chunk_size" toml:"chunk_size"`

	// MaxInFlightChunks bounds unacknowledged upload chunks (0 = unbounded).
	MaxInFlightChunks int `yaml:"max_in_flight_chunks" toml:"max_in_flight_chunks"`

	// TunnelBreaker fails tunnel opens fast for devices that keep failing.
	TunnelBreaker BreakerPolicy `yaml:"tunnel_breaker" toml:"tunnel_breaker"`

	// Logger receives diagnostic and security records. Nil discards them.
	Logger *slog.Logger `yaml:"-" toml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Reconnect:         transport.DefaultReconnectPolicy(),
		CommandTimeout:    60 * time.Second,
		TunnelOpenTimeout: 10 * time.Second,
		SendQueueSize:     transport.DefaultSendQueueSize,
		ChunkSize:         DefaultChunkSize,
		TunnelBreaker:     DefaultBreakerPolicy(),
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if len(c.URL) < 5 || !(strings.HasPrefix(c.URL, "wss://") || strings.HasPrefix(c.URL, "ws://")) {
		return fmt.Errorf("%w: %q must start with ws:// or wss://", meshctrl.ErrInvalidURL, c.URL)
	}
	if c.LoginKey == "" && (c.Username == "" || c.Password == "") {
		return meshctrl.ErrNoCredentials
	}
	if c.ChunkSize < 0 || c.MaxInFlightChunks < 0 || c.SendQueueSize < 0 || c.TunnelBreaker.FailureThreshold < 0 {
		return errors.New("sizes, windows and thresholds must not be negative")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect jitter %v must be within [0, 1]", c.Reconnect.Jitter)
	}
	return nil
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file on top of
// DefaultConfig. Durations are written as strings such as "10s".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", ext)
	}
	return cfg, nil
}

func (c *Config) withDefaults() Config {
	out := *c
	d := DefaultConfig()
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = d.CommandTimeout
	}
	if out.TunnelOpenTimeout <= 0 {
		out.TunnelOpenTimeout = d.TunnelOpenTimeout
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = d.SendQueueSize
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = d.ChunkSize
	}
	if out.TunnelBreaker.FailureThreshold > 0 && out.TunnelBreaker.ResetTimeout <= 0 {
		out.TunnelBreaker.ResetTimeout = d.TunnelBreaker.ResetTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}
