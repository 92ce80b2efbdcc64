// Package config holds the runtime configuration surface for both the client
// session and the relay daemon. Values come from a TOML file layered over
// built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
)

// SyncConfig tunes the transport client.
type SyncConfig struct {
	// Endpoint is the relay websocket URL, e.g. "wss://relay.example/ws".
	Endpoint string `toml:"endpoint"`

	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `toml:"reconnect_max_delay"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `toml:"heartbeat_timeout"`
	QueueCapacity        int           `toml:"queue_capacity"`

	// ConflictPolicy selects how a reconnecting client reconciles with the
	// relay snapshot: "merge" keeps local offline edits, "latest" adopts
	// the relay state wholesale.
	ConflictPolicy string `toml:"conflict_policy"`
}

// AwarenessConfig tunes presence sharing.
type AwarenessConfig struct {
	CursorThrottle    time.Duration `toml:"cursor_throttle"`
	InactivityTimeout time.Duration `toml:"inactivity_timeout"`
}

// MemoryConfig tunes the viewport memory manager.
type MemoryConfig struct {
	MaxTrackedElements int           `toml:"max_tracked_elements"`
	SweepInterval      time.Duration `toml:"sweep_interval"`
	IdleTimeout        time.Duration `toml:"idle_timeout"`
	PressureThreshold  float64       `toml:"pressure_threshold"`
	BufferMargin       float64       `toml:"buffer_margin"`
}

// CacheConfig tunes the local durable document cache.
type CacheConfig struct {
	Enabled      bool   `toml:"enabled"`
	Path         string `toml:"path"`
	MaxDocuments int    `toml:"max_documents"`
}

// RelayConfig tunes the relay daemon.
type RelayConfig struct {
	Addr            string        `toml:"addr"`
	MaxConnections  int           `toml:"max_connections"`
	MaxMessageSize  int64         `toml:"max_message_size"`
	PingInterval    time.Duration `toml:"ping_interval"`
	PongTimeout     time.Duration `toml:"pong_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Sync      SyncConfig      `toml:"sync"`
	Awareness AwarenessConfig `toml:"awareness"`
	Memory    MemoryConfig    `toml:"memory"`
	Cache     CacheConfig     `toml:"cache"`
	Relay     RelayConfig     `toml:"relay"`
	Log       LogConfig       `toml:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			HeartbeatInterval:    15 * time.Second,
			HeartbeatTimeout:     45 * time.Second,
			QueueCapacity:        1024,
			ConflictPolicy:       "merge",
		},
		Awareness: AwarenessConfig{
			CursorThrottle:    100 * time.Millisecond,
			InactivityTimeout: 30 * time.Second,
		},
		Memory: MemoryConfig{
			MaxTrackedElements: 10000,
			SweepInterval:      30 * time.Second,
			IdleTimeout:        5 * time.Minute,
			PressureThreshold:  0.80,
			BufferMargin:       100,
		},
		Cache: CacheConfig{
			Enabled:      true,
			Path:         "canvas-cache.db",
			MaxDocuments: 100,
		},
		Relay: RelayConfig{
			Addr:            ":8787",
			MaxConnections:  1000,
			MaxMessageSize:  1 << 20,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, syncerrors.NewValidationError(syncerrors.OpLoad,
			fmt.Errorf("unable to load configuration file: %w", err))
	}

	cfg := DefaultConfig()
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, syncerrors.NewValidationError(syncerrors.OpLoad,
			fmt.Errorf("malformed configuration: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return syncerrors.NewValidationError(syncerrors.OpLoad, fmt.Errorf(format, args...))
	}

	switch c.Sync.ConflictPolicy {
	case "merge", "latest":
	default:
		return fail("sync.conflict_policy must be %q or %q, got %q", "merge", "latest", c.Sync.ConflictPolicy)
	}
	if c.Sync.MaxReconnectAttempts < 0 {
		return fail("sync.max_reconnect_attempts cannot be negative")
	}
	if c.Sync.ReconnectBaseDelay > c.Sync.ReconnectMaxDelay {
		return fail("sync.reconnect_base_delay exceeds sync.reconnect_max_delay")
	}
	if c.Sync.HeartbeatTimeout <= c.Sync.HeartbeatInterval {
		return fail("sync.heartbeat_timeout must exceed sync.heartbeat_interval")
	}
	if c.Awareness.CursorThrottle <= 0 {
		return fail("awareness.cursor_throttle must be positive")
	}
	if c.Awareness.InactivityTimeout <= 0 {
		return fail("awareness.inactivity_timeout must be positive")
	}
	if c.Memory.PressureThreshold <= 0 || c.Memory.PressureThreshold > 1 {
		return fail("memory.pressure_threshold must be in (0, 1]")
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		return fail("cache.path is required when the cache is enabled")
	}
	if c.Relay.MaxConnections <= 0 {
		return fail("relay.max_connections must be positive")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fail("relay.pong_timeout must exceed relay.ping_interval")
	}
	return nil
}
