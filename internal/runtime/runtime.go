// Package runtime wires the engine together: it reconciles the notebook
// against the signal store, runs scheduling and execution jobs through the
// tool loop on a worker pool, and reacts to notebook edits.
//
// Jobs for the same automation are serialized; trigger firings that arrive
// while a run is in flight queue up, newest kept when the queue overflows.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/notebook"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/tools/vision"
	"github.com/hearthd/hearth/internal/trigger"
)

// Deps are the runtime's constructed collaborators.
type Deps struct {
	Store    *store.Store
	Hub      hub.Client
	Notebook *notebook.Notebook
	Factory  agent.ProviderFactory
}

// Runtime is the automation engine's coordination layer.
type Runtime struct {
	cfg        *config.Config
	deps       Deps
	loc        *time.Location
	now        func() time.Time
	logger     *slog.Logger
	engineOpts []trigger.Option
	analyzer   vision.Analyzer
	snapshots  hub.Snapshotter

	engine *trigger.Engine

	mu   sync.Mutex
	scan notebook.Scan
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger overrides the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEngineOptions forwards options to the trigger engine.
func WithEngineOptions(opts ...trigger.Option) Option {
	return func(r *Runtime) { r.engineOpts = append(r.engineOpts, opts...) }
}

// WithAnalyzer sets the vision model used by analyze-image.
func WithAnalyzer(a vision.Analyzer) Option {
	return func(r *Runtime) { r.analyzer = a }
}

// WithSnapshotter sets the camera snapshot source for capture-image.
func WithSnapshotter(s hub.Snapshotter) Option {
	return func(r *Runtime) { r.snapshots = s }
}

// New creates a runtime. Run must be called to start it.
func New(cfg *config.Config, deps Deps, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		deps:   deps,
		loc:    cfg.Location(),
		now:    time.Now,
		logger: slog.Default().With("component", "runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.snapshots == nil {
		if s, ok := deps.Hub.(hub.Snapshotter); ok {
			r.snapshots = s
		}
	}
	if r.analyzer == nil && cfg.Providers.Vision != "" && deps.Factory != nil {
		provider, err := deps.Factory.Provider(cfg.Providers.Vision)
		if err != nil {
			r.logger.Warn("vision provider unavailable", "selection", cfg.Providers.Vision, "error", err)
		} else if a, ok := provider.(vision.Analyzer); ok {
			r.analyzer = a
		} else {
			r.logger.Warn("vision provider cannot analyze images", "selection", cfg.Providers.Vision)
		}
	}
	return r
}

// Run starts the engine and blocks until ctx is cancelled. In-flight jobs
// get the configured shutdown grace, then the store is checkpointed.
func (r *Runtime) Run(ctx context.Context) error {
	scan, err := r.deps.Notebook.Scan()
	if err != nil {
		return fmt.Errorf("runtime: initial scan: %w", err)
	}
	r.setScan(scan)

	// Dead automations must not keep firing: kill their signals before the
	// engine loads the alive set.
	if err := r.reapRemoved(ctx, scan); err != nil {
		return err
	}

	r.engine = trigger.New(r.deps.Store, r.deps.Hub, r.loc, r.engineOpts...)
	firings, err := r.engine.Start(ctx)
	if err != nil {
		return fmt.Errorf("runtime: start trigger engine: %w", err)
	}

	watch, err := r.deps.Notebook.Watch(ctx)
	if err != nil {
		return fmt.Errorf("runtime: watch notebook: %w", err)
	}

	// Jobs outlive ctx by the shutdown grace, so they run on their own
	// cancellation root.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	workers := r.cfg.Runtime.Workers
	jobs := make(chan job)
	completions := make(chan string, 256)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				r.runJob(jobCtx, j)
				completions <- j.hash
			}
		}()
	}

	queues := make(map[string][]job)
	inflight := make(map[string]bool)

	dispatch := func() {
		for hash, q := range queues {
			if len(inflight) >= workers {
				return
			}
			if inflight[hash] || len(q) == 0 {
				continue
			}
			next := q[0]
			if len(q) == 1 {
				delete(queues, hash)
			} else {
				queues[hash] = q[1:]
			}
			inflight[hash] = true
			jobs <- next
		}
	}

	enqueue := func(j job) {
		q := queues[j.hash]
		if len(q) >= r.cfg.Runtime.QueueDepth {
			r.logger.Warn("automation queue full, dropping oldest", "automation", j.hash)
			q = q[1:]
		}
		queues[j.hash] = append(q, j)
		dispatch()
	}

	// Automations with no alive signals need a scheduling pass.
	for _, auto := range scan.Automations {
		alive, err := r.deps.Store.AliveSignalsForHash(ctx, auto.Hash)
		if err != nil {
			return fmt.Errorf("runtime: reconcile: %w", err)
		}
		if len(alive) == 0 {
			enqueue(job{kind: jobSchedule, hash: auto.Hash})
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(r.cfg.Runtime.ShutdownGrace):
				r.logger.Warn("shutdown grace expired, cancelling jobs")
				cancelJobs()
				<-done
			}
			if err := r.deps.Store.Checkpoint(context.Background()); err != nil {
				r.logger.Warn("checkpoint failed", "error", err)
			}
			return ctx.Err()

		case firing, ok := <-firings:
			if !ok {
				firings = nil
				continue
			}
			enqueue(job{
				kind:    jobExecute,
				hash:    firing.AutomationHash,
				signal:  firing.Signal,
				firedAt: firing.FiredAt,
			})

		case <-watch:
			added := r.rescan(ctx)
			for _, hash := range added {
				enqueue(job{kind: jobSchedule, hash: hash})
			}

		case hash := <-completions:
			delete(inflight, hash)
			dispatch()
		}
	}
}

func (r *Runtime) setScan(s notebook.Scan) {
	r.mu.Lock()
	r.scan = s
	r.mu.Unlock()
}

func (r *Runtime) currentScan() notebook.Scan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scan
}

func (r *Runtime) automation(hash string) (notebook.Automation, bool) {
	return r.currentScan().AutomationByHash(hash)
}

// reapRemoved kills signals whose automation no longer exists in the
// notebook.
func (r *Runtime) reapRemoved(ctx context.Context, scan notebook.Scan) error {
	alive, err := r.deps.Store.AliveSignals(ctx)
	if err != nil {
		return fmt.Errorf("runtime: load alive signals: %w", err)
	}
	present := make(map[string]bool, len(scan.Automations))
	for _, auto := range scan.Automations {
		present[auto.Hash] = true
	}
	reaped := make(map[string]bool)
	for _, sig := range alive {
		if present[sig.AutomationHash] || reaped[sig.AutomationHash] {
			continue
		}
		r.logger.Info("automation removed, killing its signals", "automation", sig.AutomationHash)
		if err := r.deps.Store.KillAllForHash(ctx, sig.AutomationHash); err != nil {
			return fmt.Errorf("runtime: kill signals for %s: %w", sig.AutomationHash, err)
		}
		reaped[sig.AutomationHash] = true
	}
	return nil
}

// rescan reloads the notebook after an edit. Removed automations lose their
// signals; the hashes of automations needing a scheduling pass are returned.
func (r *Runtime) rescan(ctx context.Context) []string {
	scan, err := r.deps.Notebook.Scan()
	if err != nil {
		r.logger.Warn("notebook rescan failed", "error", err)
		return nil
	}
	old := r.currentScan()
	r.setScan(scan)

	current := make(map[string]bool, len(scan.Automations))
	for _, auto := range scan.Automations {
		current[auto.Hash] = true
	}
	for _, auto := range old.Automations {
		if current[auto.Hash] {
			continue
		}
		r.logger.Info("automation removed", "file", auto.FileName, "automation", auto.Hash)
		if err := r.deps.Store.KillAllForHash(ctx, auto.Hash); err != nil {
			r.logger.Warn("kill signals failed", "automation", auto.Hash, "error", err)
		}
		r.engine.UntrackHash(auto.Hash)
	}

	previous := make(map[string]bool, len(old.Automations))
	for _, auto := range old.Automations {
		previous[auto.Hash] = true
	}
	var added []string
	for _, auto := range scan.Automations {
		if previous[auto.Hash] {
			continue
		}
		r.logger.Info("automation added", "file", auto.FileName, "automation", auto.Hash)
		added = append(added, auto.Hash)
	}
	return added
}
