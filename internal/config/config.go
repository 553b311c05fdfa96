// Package config provides configuration management for fragcache using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultPlaylistSize    = 4
	defaultMaxBufferSize   = 50 * 1024 * 1024 // 50MiB
	defaultSubscriberQueue = 64
	maxSubscriberQueue     = 4096
)

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Cache   CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Socket  SocketConfig   `mapstructure:"socket" yaml:"socket"`
	Streams []StreamConfig `mapstructure:"streams" yaml:"streams"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout applies to every response except live streams. Zero disables it.
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	Metrics         bool          `mapstructure:"metrics" yaml:"metrics"`
	// QuietAccessLog logs successful requests at debug level.
	QuietAccessLog bool `mapstructure:"quiet_access_log" yaml:"quiet_access_log"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// CacheConfig holds the defaults applied to every stream.
type CacheConfig struct {
	PlaylistSize  int `mapstructure:"playlist_size" yaml:"playlist_size"`   // 2..20
	PlaylistExtra int `mapstructure:"playlist_extra" yaml:"playlist_extra"` // 0..10
	// MaxBufferSize bounds the parser carry-over per stream.
	// Supports human-readable values like "50MB", "1GiB", or raw byte counts.
	MaxBufferSize   ByteSize `mapstructure:"max_buffer_size" yaml:"max_buffer_size"`
	SubscriberQueue int      `mapstructure:"subscriber_queue" yaml:"subscriber_queue"`
}

// SocketConfig holds the websocket transport settings.
type SocketConfig struct {
	// HandshakeLimit is the number of upgrades allowed per client IP per
	// HandshakeWindow. Zero disables rate limiting.
	HandshakeLimit  int           `mapstructure:"handshake_limit" yaml:"handshake_limit"`
	HandshakeWindow time.Duration `mapstructure:"handshake_window" yaml:"handshake_window"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	// RejectDelay keeps a client that sent a wrong key connected this long.
	RejectDelay  time.Duration `mapstructure:"reject_delay" yaml:"reject_delay"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

// StreamConfig defines one stream served under /mp4frag/{base_path}.
type StreamConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
	// ServeHTTP and ServeWS default to true when unset.
	ServeHTTP *bool `mapstructure:"serve_http" yaml:"serve_http,omitempty"`
	ServeWS   *bool `mapstructure:"serve_ws" yaml:"serve_ws,omitempty"`
	// Key authenticates push transport clients. Empty disables authentication.
	Key string `mapstructure:"key" yaml:"key,omitempty"`
	// PlaylistSize and PlaylistExtra override the cache defaults when non-zero.
	PlaylistSize  int `mapstructure:"playlist_size" yaml:"playlist_size,omitempty"`
	PlaylistExtra int `mapstructure:"playlist_extra" yaml:"playlist_extra,omitempty"`
	// IngestListen is an optional TCP address accepting raw fMP4 streams.
	IngestListen string `mapstructure:"ingest_listen" yaml:"ingest_listen,omitempty"`
	// IngestMaxConns bounds connections held open by the ingest listener,
	// refused ones included. Zero is unbounded.
	IngestMaxConns int         `mapstructure:"ingest_max_conns" yaml:"ingest_max_conns,omitempty"`
	Write          WriteConfig `mapstructure:"write" yaml:"write"`
}

// WriteConfig controls recording of a stream to disk.
type WriteConfig struct {
	AutoStart bool   `mapstructure:"auto_start" yaml:"auto_start"`
	Dir       string `mapstructure:"dir" yaml:"dir,omitempty"`
	// PreBuffer is the number of keyframe-anchored segments written first.
	PreBuffer int `mapstructure:"pre_buffer" yaml:"pre_buffer"`
	// TimeLimit ends (or rotates, when Repeated) a recording. Zero records until stopped.
	TimeLimit time.Duration `mapstructure:"time_limit" yaml:"time_limit"`
	Repeated  bool          `mapstructure:"repeated" yaml:"repeated"`
}

// HTTPEnabled reports whether the HTTP routes are served for the stream.
func (s *StreamConfig) HTTPEnabled() bool {
	return s.ServeHTTP == nil || *s.ServeHTTP
}

// WSEnabled reports whether the push transport is served for the stream.
func (s *StreamConfig) WSEnabled() bool {
	return s.ServeWS == nil || *s.ServeWS
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with FRAGCACHE_ and use underscores for nesting.
// Example: FRAGCACHE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fragcache")
		v.AddConfigPath("$HOME/.fragcache")
	}

	// Environment variable settings
	v.SetEnvPrefix("FRAGCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.metrics", true)
	v.SetDefault("server.quiet_access_log", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Cache defaults
	v.SetDefault("cache.playlist_size", defaultPlaylistSize)
	v.SetDefault("cache.playlist_extra", 0)
	v.SetDefault("cache.max_buffer_size", defaultMaxBufferSize)
	v.SetDefault("cache.subscriber_queue", defaultSubscriberQueue)

	// Socket defaults
	v.SetDefault("socket.handshake_limit", 30)
	v.SetDefault("socket.handshake_window", time.Minute)
	v.SetDefault("socket.auth_timeout", 10*time.Second)
	v.SetDefault("socket.reject_delay", 5*time.Second)
	v.SetDefault("socket.ping_interval", 30*time.Second)
}

// Default returns the configuration produced by SetDefaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	// defaults are typed values; decoding cannot fail
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Cache validation; window sizes are clamped rather than rejected
	if c.Cache.MaxBufferSize < 1024 {
		return fmt.Errorf("cache.max_buffer_size must be at least 1KiB")
	}
	if c.Cache.SubscriberQueue < 1 || c.Cache.SubscriberQueue > maxSubscriberQueue {
		return fmt.Errorf("cache.subscriber_queue must be between 1 and %d", maxSubscriberQueue)
	}

	// Socket validation
	if c.Socket.HandshakeLimit < 0 {
		return fmt.Errorf("socket.handshake_limit must not be negative")
	}
	if c.Socket.HandshakeLimit > 0 && c.Socket.HandshakeWindow <= 0 {
		return fmt.Errorf("socket.handshake_window must be positive when handshake_limit is set")
	}

	// Stream validation
	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if s.BasePath == "" {
			return fmt.Errorf("streams[%d].base_path is required", i)
		}
		if seen[s.BasePath] {
			return fmt.Errorf("streams[%d].base_path %q is duplicated", i, s.BasePath)
		}
		seen[s.BasePath] = true
		if s.IngestMaxConns < 0 {
			return fmt.Errorf("streams[%d].ingest_max_conns must not be negative", i)
		}
		if s.Write.TimeLimit < 0 {
			return fmt.Errorf("streams[%d].write.time_limit must not be negative", i)
		}
		if s.Write.PreBuffer < 0 {
			return fmt.Errorf("streams[%d].write.pre_buffer must not be negative", i)
		}
		if s.Write.AutoStart && s.Write.Dir == "" {
			return fmt.Errorf("streams[%d].write.dir is required with auto_start", i)
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
