// Package main is the hearthd CLI: the agentic automation engine daemon
// and its supporting commands.
//
// Start the engine:
//
//	hearthd serve --config hearth.yaml
//
// Expose the tool suites to an external MCP host:
//
//	hearthd mcp
//
// Score the built-in eval scenarios against a model:
//
//	hearthd evals --model anthropic/claude-sonnet-4-20250514
//
// Collect diagnostics:
//
//	hearthd dump-bug-report
//
// Environment variables: HEARTH_CONFIG, ANTHROPIC_API_KEY, OPENAI_API_KEY,
// OLLAMA_HOST, PORT.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hearthd",
		Short: "Hearth - agentic home automation engine",
		Long: `Hearth turns a notebook of natural-language markdown automations into
durable triggers and executes them against a home-automation hub through
an LLM tool loop.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMcpCmd(),
		buildEvalsCmd(),
		buildDumpBugReportCmd(),
	)
	return rootCmd
}
