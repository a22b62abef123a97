// Package main provides the CLI entry point for mxbot, a command bot for
// Matrix homeservers.
//
// # Basic Usage
//
// Start the bot:
//
//	mxbot serve --config mxbot.yaml
//
// Inspect the sync state store:
//
//	mxbot store cursor
//	mxbot store replay > state.json
//
// # Environment Variables
//
//   - MXBOT_CONFIG: Path to configuration file (default: mxbot.yaml)
//
// Configuration files may reference environment variables with ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "mxbot.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mxbot",
		Short: "mxbot - command bot for Matrix",
		Long: `mxbot connects to a Matrix homeserver, keeps a local copy of the sync
state and answers prefixed commands in the rooms it has joined.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStoreCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath falls back to MXBOT_CONFIG, then the default file name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("MXBOT_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}
