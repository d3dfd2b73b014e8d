// Package main is the CLI entry point for the Fablecraft engine: the
// streaming agent and tool runtime behind the Fablecraft writing studio.
//
// Start the server:
//
//	fablecraft serve --config fablecraft.yaml
//
// With no config file the engine runs in-memory and unauthenticated on
// localhost, which is what the desktop app wants.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fablecraft",
		Short: "Fablecraft - streaming agent engine for fiction writing",
		Long: `Fablecraft runs the agent engine behind the Fablecraft writing studio:
streaming conversations with a story-aware assistant that proposes
world edits, document saves, and analyses as tool calls you approve,
reject, cancel, or retry.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fablecraft %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
