package main

import (
	"github.com/spf13/cobra"

	"github.com/hearthd/hearth/internal/config"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		opts       serveOptions
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the automation engine",
		Long: `Start the automation engine: load the notebook, reconcile triggers,
and run scheduling and execution jobs until SIGINT/SIGTERM.`,
		Example: `  # Start with default config (hearth.yaml or $HEARTH_CONFIG)
  hearthd serve

  # Dry-run against a real hub: validate service calls without executing them
  hearthd serve --test-mode

  # Fully isolated: mock hub built from the eval fixtures
  hearthd serve --eval-mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Override the configured HTTP port")
	cmd.Flags().StringVar(&opts.notebook, "notebook", "", "Override the notebook directory")
	cmd.Flags().BoolVar(&opts.testMode, "test-mode", false, "Validate service calls without contacting the hub")
	cmd.Flags().BoolVar(&opts.evalMode, "eval-mode", false, "Run against a mock hub built from the eval fixtures")

	return cmd
}

func buildMcpCmd() *cobra.Command {
	var (
		configPath string
		notebook   string
		testMode   bool
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool suites over stdio MCP",
		Long: `Expose the scheduling and execution tool suites over stdio JSON-RPC
(Model Context Protocol) so external tool hosts can drive them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcp(cmd.Context(), configPath, notebook, testMode)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to config file")
	cmd.Flags().StringVar(&notebook, "notebook", "", "Override the notebook directory")
	cmd.Flags().BoolVar(&testMode, "test-mode", false, "Validate service calls without contacting the hub")

	return cmd
}

func buildEvalsCmd() *cobra.Command {
	var (
		configPath string
		driver     string
		model      string
		judge      string
		num        int
		quick      bool
	)

	cmd := &cobra.Command{
		Use:   "evals",
		Short: "Run the built-in eval scenarios",
		Long: `Replay the built-in scenarios through the tool loop against a mocked
hub and print scored results as JSON.`,
		Example: `  hearthd evals --model ollama/qwen3:30b --quick
  hearthd evals --driver ollama --model qwen3:30b --quick
  hearthd evals --model anthropic --judge anthropic --num 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvals(cmd.Context(), configPath, evalSelection(driver, model), judge, num, quick)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to config file")
	cmd.Flags().StringVar(&driver, "driver", "", "Provider driver, combined with --model as driver/model")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model selection, e.g. \"anthropic\" or \"ollama/qwen3:30b\" (default: configured default)")
	cmd.Flags().StringVar(&judge, "judge", "", "Judge model selection (empty disables LLM grading)")
	cmd.Flags().IntVarP(&num, "num", "n", 0, "Run at most N scenarios (0 = all)")
	cmd.Flags().BoolVarP(&quick, "quick", "q", false, "Only quick scenarios, skip LLM graders")

	return cmd
}

// evalSelection folds the --driver and --model flags into one provider
// selection string. --model alone may already carry a "driver/model" form.
func evalSelection(driver, model string) string {
	if driver == "" {
		return model
	}
	if model == "" {
		return driver
	}
	return driver + "/" + model
}

func buildDumpBugReportCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "dump-bug-report",
		Short: "Write a diagnostic bundle",
		Long: `Write a timestamped directory with hub snapshots, the notebook
contents, recent transcripts, and the app log tail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDumpBugReport(cmd.Context(), configPath, dbPath, outDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to config file")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "Override the database file")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write the bundle under")

	return cmd
}
