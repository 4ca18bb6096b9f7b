package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Client.HeartbeatInterval)
	assert.Equal(t, 2, cfg.Client.HeartbeatMisses)
	assert.Equal(t, time.Second, cfg.Client.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, 15*time.Second, cfg.Client.RestartTimeout)
	assert.Equal(t, "confab:events", cfg.Redis.EventsChannel)
	assert.False(t, cfg.Auth.RequireJoinToken)
}

func TestLoad_FromYAML(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9090"
signal:
  ping_interval: 10s
  pong_timeout: 30s
  outbound_queue: 8
  outbound_hard_limit: 16
client:
  heartbeat_interval: 5s
  heartbeat_misses: 0
logging:
  level: debug
  format: console
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
    - urls: ["turn:turn.example.org:3478"]
      username: u
      credential: p
  port_range:
    min: 50000
    max: 50100
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Signal.PingInterval)
	assert.Equal(t, 30*time.Second, cfg.Signal.PongTimeout)
	assert.Equal(t, 8, cfg.Signal.OutboundQueue)
	assert.Equal(t, 16, cfg.Signal.OutboundHardLimit)
	assert.Equal(t, 5*time.Second, cfg.Client.HeartbeatInterval)
	assert.Equal(t, 0, cfg.Client.HeartbeatMisses)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	require.Len(t, cfg.WebRTC.ICEServers, 2)
	assert.Equal(t, "u", cfg.WebRTC.ICEServers[1].Username)
	assert.Equal(t, uint16(50000), cfg.WebRTC.PortRange.Min)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Signal.WriteTimeout)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeTempConfig(t, `
signal:
  ping_interval: 30s
  pong_timeout: 10s
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signal.pong_timeout")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFAB_SERVER_ADDRESS", ":7000")
	t.Setenv("CONFAB_LOG_LEVEL", "warn")
	t.Setenv("CONFAB_REDIS_ADDRESS", "redis:6379")
	t.Setenv("CONFAB_REQUIRE_JOIN_TOKEN", "true")
	t.Setenv("CONFAB_SERVER_URL", "ws://signal:7000/ws")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.True(t, cfg.Auth.RequireJoinToken)
	assert.Equal(t, "ws://signal:7000/ws", cfg.Client.ServerURL)
}

func TestLoadFirst(t *testing.T) {
	path := writeTempConfig(t, "server:\n  address: \":9999\"\n")

	cfg, used, err := LoadFirst(filepath.Join(t.TempDir(), "nope.yaml"), path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, ":9999", cfg.Server.Address)

	cfg, used, err = LoadFirst(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty server address",
			mutate:  func(c *Config) { c.Server.Address = "" },
			wantErr: "server.address",
		},
		{
			name:    "hard limit below soft limit",
			mutate:  func(c *Config) { c.Signal.OutboundHardLimit = c.Signal.OutboundQueue - 1 },
			wantErr: "signal.outbound_hard_limit",
		},
		{
			name:    "negative heartbeat misses",
			mutate:  func(c *Config) { c.Client.HeartbeatMisses = -1 },
			wantErr: "client.heartbeat_misses",
		},
		{
			name:    "zero restart timeout",
			mutate:  func(c *Config) { c.Client.RestartTimeout = 0 },
			wantErr: "client.restart_timeout",
		},
		{
			name:    "zero reconnect delay",
			mutate:  func(c *Config) { c.Client.ReconnectBaseDelay = 0 },
			wantErr: "client.reconnect_base_delay",
		},
		{
			name: "half open port range",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
			},
			wantErr: "webrtc.port_range",
		},
		{
			name: "inverted port range",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50100
				c.WebRTC.PortRange.Max = 50000
			},
			wantErr: "webrtc.port_range.min",
		},
		{
			name: "tracing without url",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.JaegerURL = ""
			},
			wantErr: "tracing.jaeger_url",
		},
		{
			name: "redis enabled without address",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
			wantErr: "redis.address",
		},
		{
			name:    "empty jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "auth.jwt_secret",
		},
		{
			name: "rate limiting with zero websocket rate",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.WebSocket.MessagesPerSecond = 0
			},
			wantErr: "rate_limiting.websocket.messages_per_second",
		},
		{
			name: "rate limiting disabled ignores zero values",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = false
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
