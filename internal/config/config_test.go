package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Cache: CacheConfig{
			PlaylistSize:    4,
			MaxBufferSize:   defaultMaxBufferSize,
			SubscriberQueue: 64,
		},
		Streams: []StreamConfig{{BasePath: "front_door"}},
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Server.Metrics)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Cache defaults
	assert.Equal(t, 4, cfg.Cache.PlaylistSize)
	assert.Equal(t, 0, cfg.Cache.PlaylistExtra)
	assert.Equal(t, ByteSize(50*1024*1024), cfg.Cache.MaxBufferSize)
	assert.Equal(t, 64, cfg.Cache.SubscriberQueue)
	assert.Empty(t, cfg.Streams)

	// Socket defaults
	assert.Equal(t, 30, cfg.Socket.HandshakeLimit)
	assert.Equal(t, time.Minute, cfg.Socket.HandshakeWindow)
	assert.Equal(t, 5*time.Second, cfg.Socket.RejectDelay)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ByteSize(defaultMaxBufferSize), cfg.Cache.MaxBufferSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090
  read_timeout: 60s

logging:
  level: "debug"
  format: "text"

cache:
  playlist_size: 6
  playlist_extra: 2
  max_buffer_size: "8MiB"

streams:
  - base_path: front_door
    key: secret
    serve_ws: false
    write:
      auto_start: true
      dir: /var/lib/fragcache
      pre_buffer: 2
      time_limit: 10m
      repeated: true
  - base_path: back.yard
    ingest_listen: "127.0.0.1:9000"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 6, cfg.Cache.PlaylistSize)
	assert.Equal(t, 2, cfg.Cache.PlaylistExtra)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.Cache.MaxBufferSize)

	require.Len(t, cfg.Streams, 2)
	front := cfg.Streams[0]
	assert.Equal(t, "front_door", front.BasePath)
	assert.Equal(t, "secret", front.Key)
	assert.True(t, front.HTTPEnabled())
	assert.False(t, front.WSEnabled())
	assert.True(t, front.Write.AutoStart)
	assert.Equal(t, 2, front.Write.PreBuffer)
	assert.Equal(t, 10*time.Minute, front.Write.TimeLimit)
	assert.True(t, front.Write.Repeated)

	back := cfg.Streams[1]
	assert.Equal(t, "127.0.0.1:9000", back.IngestListen)
	assert.True(t, back.WSEnabled())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FRAGCACHE_SERVER_PORT", "3000")
	t.Setenv("FRAGCACHE_LOGGING_LEVEL", "warn")
	t.Setenv("FRAGCACHE_CACHE_PLAYLIST_SIZE", "8")
	t.Setenv("FRAGCACHE_CACHE_MAX_BUFFER_SIZE", "10MiB")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Cache.PlaylistSize)
	assert.Equal(t, ByteSize(10*1024*1024), cfg.Cache.MaxBufferSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
logging:
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("FRAGCACHE_SERVER_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validTestConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too high", 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "server.port")
		})
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative timeout", func(c *Config) { c.Server.WriteTimeout = -time.Second }, "timeouts"},
		{"tiny buffer", func(c *Config) { c.Cache.MaxBufferSize = 100 }, "max_buffer_size"},
		{"zero queue", func(c *Config) { c.Cache.SubscriberQueue = 0 }, "subscriber_queue"},
		{"huge queue", func(c *Config) { c.Cache.SubscriberQueue = 5000 }, "subscriber_queue"},
		{"empty base path", func(c *Config) { c.Streams[0].BasePath = "" }, "base_path is required"},
		{"duplicate base path", func(c *Config) {
			c.Streams = append(c.Streams, StreamConfig{BasePath: "front_door"})
		}, "duplicated"},
		{"negative time limit", func(c *Config) { c.Streams[0].Write.TimeLimit = -1 }, "time_limit"},
		{"negative pre buffer", func(c *Config) { c.Streams[0].Write.PreBuffer = -1 }, "pre_buffer"},
		{"auto start without dir", func(c *Config) { c.Streams[0].Write.AutoStart = true }, "write.dir"},
		{"negative ingest conns", func(c *Config) { c.Streams[0].IngestMaxConns = -1 }, "ingest_max_conns"},
		{"negative handshake limit", func(c *Config) { c.Socket.HandshakeLimit = -1 }, "handshake_limit"},
		{"limit without window", func(c *Config) { c.Socket.HandshakeLimit = 5 }, "handshake_window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		expected string
	}{
		{"localhost", "127.0.0.1", 8080, "127.0.0.1:8080"},
		{"all interfaces", "0.0.0.0", 3000, "0.0.0.0:3000"},
		{"hostname", "example.com", 443, "example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ServerConfig{Host: tt.host, Port: tt.port}
			assert.Equal(t, tt.expected, cfg.Address())
		})
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
server:
  port: "not a number"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
