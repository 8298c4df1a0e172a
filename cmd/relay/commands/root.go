// Package commands implements the Relay CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/relay/pkg/relay/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay — chat platform assistant",
		Long: `Relay is a chat assistant daemon. It connects to messaging platforms,
answers with an LLM, runs tools, and schedules reminders.

Examples:
  relay chat "What time is it in Berlin?"
  relay serve
  relay setup`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the configuration from the --config flag or the
// default search path, falling back to defaults when no file exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindFile()
	}
	if path == "" {
		// No file: defaults plus whatever the keyring and environment provide.
		cfg := config.DefaultConfig()
		config.ResolveSecrets(cfg)
		return cfg, "", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger. Serve mode logs JSON to stdout;
// interactive commands log text to stderr at warn level unless --verbose.
func newLogger(cmd *cobra.Command, interactive bool) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	if interactive {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
