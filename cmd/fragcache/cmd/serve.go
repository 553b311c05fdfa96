package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/fragcache/internal/cache"
	"github.com/jmylchreest/fragcache/internal/config"
	"github.com/jmylchreest/fragcache/internal/hls"
	internalhttp "github.com/jmylchreest/fragcache/internal/http"
	"github.com/jmylchreest/fragcache/internal/http/handlers"
	"github.com/jmylchreest/fragcache/internal/ingest"
	"github.com/jmylchreest/fragcache/internal/metrics"
	"github.com/jmylchreest/fragcache/internal/recorder"
	"github.com/jmylchreest/fragcache/internal/registry"
	"github.com/jmylchreest/fragcache/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fragcache server",
	Long: `Start the fragcache HTTP server and the configured ingest listeners.

The server provides:
- HLS playlists, segments, live MP4 and segment lists under /mp4frag/{base_path}
- A websocket feed at /mp4frag/{base_path}/ws
- Stream status, reset and recording control API
- Health checks, Prometheus metrics at /metrics and OpenAPI docs at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().Bool("metrics", true, "Serve Prometheus metrics at /metrics")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	logger := slog.Default()

	if len(cfg.Streams) == 0 {
		logger.Warn("no streams configured; only the API will be served")
	}

	var m *metrics.Metrics
	if cfg.Server.Metrics {
		m = metrics.New()
	}

	reg := registry.New(logger)
	defer reg.Close()

	var listeners []*ingest.Listener
	for _, sc := range cfg.Streams {
		s, err := addStream(reg, cfg, sc, logger)
		if err != nil {
			return err
		}
		if m != nil {
			m.Track(s.BasePath, s.Cache)
		}
		if sc.IngestListen != "" {
			listeners = append(listeners, ingest.NewListener(ingest.ListenerConfig{
				Address:     sc.IngestListen,
				IdleTimeout: cfg.Server.ReadTimeout,
				MaxConns:    sc.IngestMaxConns,
			}, s.Cache, &s.Gate, logger.With(slog.String("base_path", s.BasePath))))
		}
	}

	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins
	serverConfig.QuietAccessLog = cfg.Server.QuietAccessLog
	server := internalhttp.NewServer(serverConfig, logger)

	handlers.NewHealthHandler(version.Version, reg).Register(server.API())

	streamHandler := handlers.NewStreamHandler(reg, logger)
	streamHandler.Register(server.API())
	streamHandler.RegisterRoutes(server.Router())

	handlers.NewSocketHandler(reg, socketConfig(cfg.Socket), logger).RegisterRoutes(server.Router())

	if m != nil {
		server.Router().Handle("/metrics", m.Handler())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting fragcache server",
		slog.String("address", server.Address()),
		slog.Int("streams", len(cfg.Streams)),
		slog.String("max_buffer_size", cfg.Cache.MaxBufferSize.String()),
		slog.String("version", version.Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	for _, l := range listeners {
		g.Go(func() error {
			return l.ListenAndServe(gctx)
		})
	}

	err = g.Wait()
	logger.Info("fragcache stopped")
	return err
}

// applyServeFlags overrides the loaded configuration with explicitly set flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("metrics") {
		cfg.Server.Metrics, _ = flags.GetBool("metrics")
	}
}

// addStream builds the cache and optional recorder of one configured stream
// and registers them.
func addStream(reg *registry.Registry, cfg *config.Config, sc config.StreamConfig, logger *slog.Logger) (*registry.Stream, error) {
	c := cache.New(cacheConfig(cfg.Cache, sc), logger.With(slog.String("base_path", sc.BasePath)))

	s, err := reg.Add(sc.BasePath, c, registry.Options{
		ServeHTTP: sc.HTTPEnabled(),
		ServeWS:   sc.WSEnabled(),
		Key:       sc.Key,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("registering stream: %w", err)
	}

	if sc.Write.Dir != "" {
		s.Recorder = recorder.New(sc.BasePath, c, recorder.Config{
			Dir:       sc.Write.Dir,
			AutoStart: sc.Write.AutoStart,
			Defaults: recorder.Options{
				PreBuffer: sc.Write.PreBuffer,
				TimeLimit: sc.Write.TimeLimit,
				Repeated:  sc.Write.Repeated,
			},
			QueueSize: cfg.Cache.SubscriberQueue,
		}, logger)
	}
	return s, nil
}

func cacheConfig(defaults config.CacheConfig, sc config.StreamConfig) cache.Config {
	cc := cache.Config{
		PlaylistSize:    defaults.PlaylistSize,
		PlaylistExtra:   defaults.PlaylistExtra,
		MaxBufferSize:   defaults.MaxBufferSize.Int(),
		SubscriberQueue: defaults.SubscriberQueue,
		Playlist:        hls.DefaultOptions(),
	}
	if sc.PlaylistSize != 0 {
		cc.PlaylistSize = sc.PlaylistSize
	}
	if sc.PlaylistExtra != 0 {
		cc.PlaylistExtra = sc.PlaylistExtra
	}
	return cc
}

func socketConfig(sc config.SocketConfig) handlers.SocketConfig {
	out := handlers.DefaultSocketConfig()
	out.HandshakeLimit = sc.HandshakeLimit
	out.HandshakeWindow = sc.HandshakeWindow
	if sc.AuthTimeout > 0 {
		out.AuthTimeout = sc.AuthTimeout
	}
	out.RejectDelay = sc.RejectDelay
	out.PingInterval = sc.PingInterval
	return out
}
