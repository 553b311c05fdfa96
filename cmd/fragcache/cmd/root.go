// Package cmd implements the CLI commands for fragcache.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/fragcache/internal/config"
	"github.com/jmylchreest/fragcache/internal/observability"
	"github.com/jmylchreest/fragcache/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "fragcache",
	Short:   "Live fragmented MP4 cache and server",
	Version: version.Short(),
	Long: `fragcache ingests live fragmented MP4 streams and keeps a rolling window
of their most recent segments in memory.

Every stream is served under /mp4frag/{base_path} as an HLS playlist, a
progressive live MP4, concatenated segment lists and a websocket feed. Streams
can optionally be recorded to disk.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// initLogging references rootCmd.PersistentFlags
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Not bound to viper: an explicitly set flag overrides env and config,
	// an unset one must not.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/fragcache")
		viper.AddConfigPath("$HOME/.fragcache")
	}

	viper.SetEnvPrefix("FRAGCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (FRAGCACHE_LOGGING_LEVEL, FRAGCACHE_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging() error {
	logCfg := loggingConfig(rootCmd.PersistentFlags())

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = logger.With(slog.String("app", version.ApplicationName))
	slog.SetDefault(logger)
	return nil
}

func loggingConfig(flags *pflag.FlagSet) config.LoggingConfig {
	level := viper.GetString("logging.level")
	format := viper.GetString("logging.format")

	if flags.Changed("log-level") {
		level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		format, _ = flags.GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	cfg := config.LoggingConfig{
		Level:      strings.ToLower(level),
		Format:     strings.ToLower(format),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
	return cfg
}
