package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/notebook"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/tools/hubtools"
	"github.com/hearthd/hearth/internal/tools/memorypad"
	"github.com/hearthd/hearth/internal/tools/scheduler"
	"github.com/hearthd/hearth/internal/tools/vision"
)

type jobKind int

const (
	jobSchedule jobKind = iota
	jobExecute
)

type job struct {
	kind    jobKind
	hash    string
	signal  store.Signal
	firedAt time.Time
}

func (r *Runtime) runJob(ctx context.Context, j job) {
	auto, ok := r.automation(j.hash)
	if !ok {
		// The file vanished between enqueue and execution.
		r.logger.Info("automation gone, dropping job", "automation", j.hash)
		if err := r.deps.Store.KillAllForHash(ctx, j.hash); err != nil {
			r.logger.Warn("kill signals failed", "automation", j.hash, "error", err)
		}
		if r.engine != nil {
			r.engine.UntrackHash(j.hash)
		}
		return
	}

	switch j.kind {
	case jobSchedule:
		r.scheduleAutomation(ctx, auto)
	case jobExecute:
		r.executeSignal(ctx, auto, j.signal, j.firedAt)
	}
}

// newLoop builds a tool loop for one automation, honoring its model
// directive.
func (r *Runtime) newLoop(auto notebook.Automation, registry *agent.Registry, system string) (*agent.Loop, error) {
	provider, err := r.deps.Factory.Provider(auto.ModelSelection())
	if err != nil {
		return nil, fmt.Errorf("resolve provider for %s: %w", auto.FileName, err)
	}
	return agent.NewLoop(provider, registry,
		agent.WithSystemPrompt(system),
		agent.WithMaxIterations(r.cfg.Runtime.MaxIterations),
		agent.WithProviderTimeout(r.cfg.Runtime.ProviderTimeout),
		agent.WithLoopLogger(r.logger),
	), nil
}

// scheduleAutomation runs the scheduling pass: the model reads the
// automation and registers triggers through the scheduler suite. The
// transcript is persisted whether or not the loop succeeded.
func (r *Runtime) scheduleAutomation(ctx context.Context, auto notebook.Automation) {
	r.logger.Info("scheduling automation", "file", auto.FileName, "automation", auto.Hash)

	suite := scheduler.NewSuite(r.deps.Store, r.deps.Hub, auto.Hash, r.loc,
		scheduler.WithNow(r.now),
		scheduler.WithTracker(r.engine),
	)
	registry := agent.NewRegistry(
		[]agent.ToolServer{suite, memorypad.NewSuite(r.deps.Notebook.Scratchpad())},
		agent.WithToolTimeout(r.cfg.Runtime.ToolTimeout),
	)
	loop, err := r.newLoop(auto, registry, schedulerSystemPrompt)
	if err != nil {
		r.logger.Error("scheduling skipped", "automation", auto.Hash, "error", err)
		return
	}

	transcript, loopErr := loop.Collect(ctx, schedulerPrompt(auto, r.now().In(r.loc)), nil)
	if _, err := r.deps.Store.AppendAutomationLog(ctx, store.AutomationLogEntry{
		AutomationHash: auto.Hash,
		Type:           store.LogTypeDetermineSignal,
		Messages:       transcript,
	}); err != nil {
		r.logger.Error("scheduling transcript not persisted", "automation", auto.Hash, "error", err)
	}
	if loopErr != nil {
		r.logger.Error("scheduling loop failed", "automation", auto.Hash, "error", loopErr)
		return
	}
	r.logger.Info("scheduling done", "automation", auto.Hash, "messages", len(transcript))
}

// executeSignal runs the execution pass for one firing. The log row is
// created up front, atomically with the one-shot kill, so service calls
// reference it as they happen and a crash mid-execution cannot replay a
// fired one-shot. The final transcript lands in the same row afterwards.
func (r *Runtime) executeSignal(ctx context.Context, auto notebook.Automation, sig store.Signal, firedAt time.Time) {
	r.logger.Info("executing automation", "file", auto.FileName, "signal", sig.ID, "kind", sig.Kind)

	killID := ""
	if sig.OneShot() {
		killID = sig.ID
	}
	logID, err := r.deps.Store.AppendExecutionLog(ctx, store.AutomationLogEntry{
		AutomationHash: auto.Hash,
		Type:           store.LogTypeExecuteSignal,
		SignaledBy:     &sig,
	}, killID)
	if err != nil {
		r.logger.Error("execution log not created", "automation", auto.Hash, "error", err)
		return
	}

	registry := r.executionRegistry(logID)
	loop, err := r.newLoop(auto, registry, executorSystemPrompt)
	if err != nil {
		r.logger.Error("execution skipped", "automation", auto.Hash, "error", err)
		return
	}

	transcript, loopErr := loop.Collect(ctx, executePrompt(auto, sig, firedAt.In(r.loc)), nil)

	if err := r.deps.Store.UpdateAutomationLog(ctx, logID, transcript); err != nil {
		r.logger.Error("execution transcript not persisted", "automation", auto.Hash, "log", logID, "error", err)
	}
	if loopErr != nil {
		r.logger.Error("execution loop failed", "automation", auto.Hash, "error", loopErr)
		return
	}
	r.logger.Info("execution done", "automation", auto.Hash, "messages", len(transcript))
}

// executionRegistry assembles the tool set for execution and cue runs.
func (r *Runtime) executionRegistry(logID int64) *agent.Registry {
	servers := []agent.ToolServer{
		hubtools.NewSuite(r.deps.Hub, r.deps.Store, logID,
			hubtools.WithTestMode(r.cfg.Runtime.TestMode),
			hubtools.WithLogger(r.logger),
		),
		memorypad.NewSuite(r.deps.Notebook.Scratchpad()),
	}
	if r.snapshots != nil {
		servers = append(servers, vision.NewSuite(r.snapshots, r.deps.Store, r.analyzer))
	}
	return agent.NewRegistry(servers, agent.WithToolTimeout(r.cfg.Runtime.ToolTimeout))
}

// RunCue executes a cue by name, outside any trigger. The run is logged as
// a manual entry.
func (r *Runtime) RunCue(ctx context.Context, name string) error {
	cue, ok := r.currentScan().CueByName(name)
	if !ok {
		return fmt.Errorf("runtime: no cue named %q", name)
	}

	logID, err := r.deps.Store.AppendAutomationLog(ctx, store.AutomationLogEntry{
		AutomationHash: cue.Hash,
		Type:           store.LogTypeManual,
	})
	if err != nil {
		return fmt.Errorf("runtime: create cue log: %w", err)
	}

	loop, err := r.newLoop(cue, r.executionRegistry(logID), executorSystemPrompt)
	if err != nil {
		return err
	}
	transcript, loopErr := loop.Collect(ctx, cuePrompt(cue, r.now().In(r.loc)), nil)
	if err := r.deps.Store.UpdateAutomationLog(ctx, logID, transcript); err != nil {
		r.logger.Error("cue transcript not persisted", "cue", cue.FileName, "error", err)
	}
	if loopErr != nil {
		return fmt.Errorf("runtime: cue %s: %w", cue.FileName, loopErr)
	}
	return nil
}
