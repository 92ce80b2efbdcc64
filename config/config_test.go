package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canvas.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_LayersFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[sync]
endpoint = "wss://relay.example/ws"
max_reconnect_attempts = 8
reconnect_base_delay = "2s"

[awareness]
cursor_throttle = "50ms"

[relay]
addr = ":9999"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example/ws", cfg.Sync.Endpoint)
	assert.Equal(t, 8, cfg.Sync.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.ReconnectBaseDelay)
	assert.Equal(t, 50*time.Millisecond, cfg.Awareness.CursorThrottle)
	assert.Equal(t, ":9999", cfg.Relay.Addr)

	// Untouched keys keep their defaults.
	assert.Equal(t, "merge", cfg.Sync.ConflictPolicy)
	assert.Equal(t, 1024, cfg.Sync.QueueCapacity)
	assert.Equal(t, 30*time.Second, cfg.Awareness.InactivityTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, `[sync`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad conflict policy", func(c *Config) { c.Sync.ConflictPolicy = "newest" }},
		{"negative reconnect attempts", func(c *Config) { c.Sync.MaxReconnectAttempts = -1 }},
		{"base delay above max", func(c *Config) { c.Sync.ReconnectBaseDelay = time.Minute }},
		{"heartbeat timeout too short", func(c *Config) { c.Sync.HeartbeatTimeout = c.Sync.HeartbeatInterval }},
		{"zero cursor throttle", func(c *Config) { c.Awareness.CursorThrottle = 0 }},
		{"zero inactivity timeout", func(c *Config) { c.Awareness.InactivityTimeout = 0 }},
		{"pressure threshold above one", func(c *Config) { c.Memory.PressureThreshold = 1.5 }},
		{"cache enabled without path", func(c *Config) { c.Cache.Path = "" }},
		{"zero relay connections", func(c *Config) { c.Relay.MaxConnections = 0 }},
		{"pong timeout below ping interval", func(c *Config) { c.Relay.PongTimeout = c.Relay.PingInterval }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_ConflictPolicyLatest(t *testing.T) {
	path := writeConfig(t, `
[sync]
conflict_policy = "latest"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "latest", cfg.Sync.ConflictPolicy)
}
