package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/agent/providers"
	"github.com/hearthd/hearth/internal/bugreport"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/evals"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/mcp"
	"github.com/hearthd/hearth/internal/notebook"
	"github.com/hearthd/hearth/internal/runtime"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/tools/hubtools"
	"github.com/hearthd/hearth/internal/tools/memorypad"
	"github.com/hearthd/hearth/internal/tools/scheduler"
)

type serveOptions struct {
	port     int
	notebook string
	testMode bool
	evalMode bool
}

func runServe(ctx context.Context, configPath string, debug bool, opts serveOptions) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.notebook != "" {
		cfg.Notebook.Path = opts.notebook
	}
	if opts.testMode {
		cfg.Runtime.TestMode = true
	}

	slog.Info("starting hearthd",
		"version", version,
		"config", configPath,
		"notebook", cfg.Notebook.Path,
		"database", cfg.Database.Path,
		"test_mode", cfg.Runtime.TestMode,
		"eval_mode", opts.evalMode,
	)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Fan the app log into the store so dump-bug-report has a tail.
	slog.SetDefault(slog.New(store.NewLogHandler(slog.Default().Handler(), st)))

	nb, err := notebook.Open(cfg.Notebook.Path)
	if err != nil {
		return err
	}

	client, err := buildHubClient(cfg, opts.evalMode)
	if err != nil {
		return err
	}

	rt := runtime.New(cfg, runtime.Deps{
		Store:    st,
		Hub:      client,
		Notebook: nb,
		Factory:  providers.NewFactory(cfg.Providers),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopStatus := startStatusServer(ctx, cfg.Server.Port, st, rt)
	defer stopStatus()

	err = rt.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("hearthd stopped")
	return nil
}

// buildHubClient connects to the configured hub, or fabricates a mock one
// from the eval fixtures.
func buildHubClient(cfg *config.Config, evalMode bool) (hub.Client, error) {
	if evalMode {
		states, services, err := evals.Fixture()
		if err != nil {
			return nil, err
		}
		return hub.NewMockClient(states, services), nil
	}
	client, err := hub.NewClient(hub.Config{
		BaseURL: cfg.Hub.BaseURL,
		Token:   cfg.Hub.Token,
		Timeout: cfg.Hub.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("hub client: %w", err)
	}
	return client, nil
}

func runMcp(ctx context.Context, configPath, notebookPath string, testMode bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if notebookPath != "" {
		cfg.Notebook.Path = notebookPath
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	nb, err := notebook.Open(cfg.Notebook.Path)
	if err != nil {
		return err
	}
	client, err := buildHubClient(cfg, false)
	if err != nil {
		return err
	}

	// Tool calls made over MCP are logged like manual runs.
	logID, err := st.AppendAutomationLog(ctx, store.AutomationLogEntry{
		AutomationHash: "mcp-session",
		Type:           store.LogTypeManual,
	})
	if err != nil {
		return fmt.Errorf("create session log: %w", err)
	}

	registry := agent.NewRegistry([]agent.ToolServer{
		scheduler.NewSuite(st, client, "mcp-session", cfg.Location()),
		hubtools.NewSuite(client, st, logID, hubtools.WithTestMode(testMode || cfg.Runtime.TestMode)),
		memorypad.NewSuite(nb.Scratchpad()),
	}, agent.WithToolTimeout(cfg.Runtime.ToolTimeout))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(registry, "hearthd", version)
	return server.Serve(ctx, os.Stdin, os.Stdout)
}

func runEvals(ctx context.Context, configPath, model, judge string, num int, quick bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := providers.NewFactory(cfg.Providers)
	harness := evals.Harness{Factory: factory, Selection: model}
	catalog := evals.Catalog(factory, judge)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := harness.RunAll(ctx, catalog, num, quick)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(results); err != nil {
		return err
	}

	var score, possible float64
	for _, result := range results {
		score += result.FinalScore
		possible += result.FinalScorePossible
	}
	slog.Info("evals done", "scenarios", len(results), "score", score, "possible", possible)
	return nil
}

func runDumpBugReport(ctx context.Context, configPath, dbPath, outDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	nb, err := notebook.Open(cfg.Notebook.Path)
	if err != nil {
		return err
	}

	// The hub being down must not block a bug report.
	var client hub.Client
	if c, err := buildHubClient(cfg, false); err == nil {
		client = c
	} else {
		slog.Warn("hub unavailable, bundle will omit snapshots", "error", err)
	}

	dir, err := bugreport.New(st, client, nb).Write(ctx, outDir)
	if err != nil {
		return err
	}
	fmt.Println(dir)
	return nil
}
