// Package bugreport assembles a diagnostic bundle: hub snapshots, the
// notebook contents, recent automation transcripts, and the app log tail,
// written to a timestamped directory for attaching to an issue.
package bugreport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/notebook"
	"github.com/hearthd/hearth/internal/store"
)

const (
	recentLogEntries = 50
	logTailLines     = 500
)

// Writer collects the bundle inputs.
type Writer struct {
	store    *store.Store
	hub      hub.Client
	notebook *notebook.Notebook
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a bug report writer. hub may be nil when the hub is
// unreachable; the bundle then omits the snapshots.
func New(st *store.Store, client hub.Client, nb *notebook.Notebook, opts ...Option) *Writer {
	w := &Writer{
		store:    st,
		hub:      client,
		notebook: nb,
		now:      time.Now,
		logger:   slog.Default().With("component", "bugreport"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write produces the bundle under baseDir and returns the bundle path.
// Individual sections fail soft: an unreachable hub or unreadable file is
// noted in the bundle rather than aborting it.
func (w *Writer) Write(ctx context.Context, baseDir string) (string, error) {
	dir := filepath.Join(baseDir, "bug-report-"+w.now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("bugreport: create %s: %w", dir, err)
	}

	w.writeHubSnapshots(ctx, dir)
	w.writeNotebook(dir)
	w.writeTranscripts(ctx, dir)
	w.writeLogTail(ctx, dir)

	w.logger.Info("bug report written", "dir", dir)
	return dir, nil
}

func (w *Writer) writeHubSnapshots(ctx context.Context, dir string) {
	if w.hub == nil {
		w.writeError(dir, "states.json", fmt.Errorf("no hub client configured"))
		return
	}
	if states, err := w.hub.FetchStates(ctx); err != nil {
		w.writeError(dir, "states.json", err)
	} else {
		w.writeJSON(dir, "states.json", states)
	}
	if services, err := w.hub.FetchServices(ctx); err != nil {
		w.writeError(dir, "services.json", err)
	} else {
		w.writeJSON(dir, "services.json", services)
	}
}

func (w *Writer) writeNotebook(dir string) {
	scan, err := w.notebook.Scan()
	if err != nil {
		w.writeError(dir, "notebook.txt", err)
		return
	}
	for sub, entries := range map[string][]notebook.Automation{
		"automations": scan.Automations,
		"cues":        scan.Cues,
	} {
		target := filepath.Join(dir, sub)
		if err := os.MkdirAll(target, 0o755); err != nil {
			w.writeError(dir, sub+".txt", err)
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(target, entry.FileName)
			if err := os.WriteFile(path, []byte(entry.Contents), 0o644); err != nil {
				w.logger.Warn("bundle file not written", "file", path, "error", err)
			}
		}
	}
	if memory, err := w.notebook.Scratchpad().Read(); err == nil && memory != "" {
		if err := os.WriteFile(filepath.Join(dir, "memory.md"), []byte(memory), 0o644); err != nil {
			w.logger.Warn("bundle file not written", "file", "memory.md", "error", err)
		}
	}
}

func (w *Writer) writeTranscripts(ctx context.Context, dir string) {
	logs, err := w.store.RecentAutomationLogs(ctx, recentLogEntries)
	if err != nil {
		w.writeError(dir, "automation-logs.json", err)
		return
	}
	w.writeJSON(dir, "automation-logs.json", logs)
}

func (w *Writer) writeLogTail(ctx context.Context, dir string) {
	lines, err := w.store.RecentLogLines(ctx, logTailLines)
	if err != nil {
		w.writeError(dir, "log-tail.txt", err)
		return
	}
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "%s %s %s %s\n",
			line.CreatedAt.UTC().Format(time.RFC3339), line.Level, line.Message, line.Attrs)
	}
	if err := os.WriteFile(filepath.Join(dir, "log-tail.txt"), []byte(b.String()), 0o644); err != nil {
		w.logger.Warn("bundle file not written", "file", "log-tail.txt", "error", err)
	}
}

func (w *Writer) writeJSON(dir, name string, payload any) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		w.writeError(dir, name, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), encoded, 0o644); err != nil {
		w.logger.Warn("bundle file not written", "file", name, "error", err)
	}
}

// writeError leaves a marker file so a missing section is distinguishable
// from a forgotten one.
func (w *Writer) writeError(dir, name string, cause error) {
	w.logger.Warn("bundle section failed", "section", name, "error", cause)
	path := filepath.Join(dir, name+".error")
	os.WriteFile(path, []byte(cause.Error()+"\n"), 0o644)
}
