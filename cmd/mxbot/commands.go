package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the bot.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Long: `Run the bot with the configured homeserver account.

The bot will:
1. Load configuration from the specified file (or mxbot.yaml)
2. Open the sync state store and restore the last known state
3. Start syncing and dispatching commands
4. Serve Prometheus metrics when metrics.listen is set

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  mxbot serve

  # Start with debug logging
  mxbot serve --config /etc/mxbot/mxbot.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Store Commands
// =============================================================================

type storeFlags struct {
	configPath string
	dbPath     string
	userID     string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "Sync store database (overrides store.path)")
	cmd.Flags().StringVar(&f.userID, "user", "", "Matrix user id (overrides matrix.user_id)")
}

// buildStoreCmd creates the "store" command group.
func buildStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the sync state store",
	}
	cmd.AddCommand(buildStoreReplayCmd(), buildStoreCursorCmd(), buildStoreCheckpointCmd())
	return cmd
}

func buildStoreReplayCmd() *cobra.Command {
	var flags storeFlags
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print the stored state as a sync response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreReplay(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildStoreCursorCmd() *cobra.Command {
	var flags storeFlags
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Show the sync token and stored room counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreCursor(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildStoreCheckpointCmd() *cobra.Command {
	var flags storeFlags
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint and truncate the store's write-ahead log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreCheckpoint(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and print its schema",
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(validate, schema)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mxbot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
