package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/fragcache/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing fragcache configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values and
one example stream. You can redirect this output to a file to create a
configuration template:

  fragcache config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, ./configs/config.yaml, /etc/fragcache/config.yaml)
  - Environment variables (FRAGCACHE_SERVER_PORT, FRAGCACHE_LOGGING_LEVEL, etc.)
  - Command-line flags (for some options)

Environment variables use the FRAGCACHE_ prefix and underscores for nesting.
Example: server.port -> FRAGCACHE_SERVER_PORT`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpConfig(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// exampleStream is included in the dump so every stream option is visible.
func exampleStream() config.StreamConfig {
	serve := true
	return config.StreamConfig{
		BasePath:       "front_door",
		ServeHTTP:      &serve,
		ServeWS:        &serve,
		IngestListen:   "127.0.0.1:9000",
		IngestMaxConns: 4,
		Write: config.WriteConfig{
			Dir:       "/var/lib/fragcache/front_door",
			PreBuffer: 1,
		},
	}
}

func dumpConfig(w io.Writer) error {
	cfg := config.Default()
	cfg.Streams = []config.StreamConfig{exampleStream()}

	// durations and sizes marshal in their human-readable forms
	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# fragcache Configuration File")
	fmt.Fprintln(w, "# ============================")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# All values shown below are defaults, except the example stream.")
	fmt.Fprintln(w, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(w, "# Size format: 50MB, 1GiB")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   FRAGCACHE_SERVER_HOST, FRAGCACHE_SERVER_PORT")
	fmt.Fprintln(w, "#   FRAGCACHE_CACHE_PLAYLIST_SIZE, FRAGCACHE_CACHE_MAX_BUFFER_SIZE")
	fmt.Fprintln(w, "#   FRAGCACHE_LOGGING_LEVEL, FRAGCACHE_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w)
	_, err = w.Write(yamlData)
	return err
}
