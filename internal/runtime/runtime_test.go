package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/notebook"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/trigger"
)

// scriptedProvider returns one canned chunk sequence per Complete call.
type scriptedProvider struct {
	mu    sync.Mutex
	turns [][]*agent.CompletionChunk
	calls int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	var turn []*agent.CompletionChunk
	if p.calls < len(p.turns) {
		turn = p.turns[p.calls]
	} else {
		turn = []*agent.CompletionChunk{{Text: "done"}, {Done: true}}
	}
	p.calls++
	p.mu.Unlock()

	out := make(chan *agent.CompletionChunk, len(turn))
	for _, c := range turn {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) Name() string     { return "scripted" }
func (p *scriptedProvider) Models() []string { return []string{"scripted"} }

type staticFactory struct{ provider agent.LLMProvider }

func (f staticFactory) Provider(selection string) (agent.LLMProvider, error) {
	return f.provider, nil
}

func toolUse(name, input string) *agent.CompletionChunk {
	return &agent.CompletionChunk{ToolCall: &agent.ToolCall{
		Name:  name,
		Input: json.RawMessage(input),
	}}
}

func testConfig() *config.Config {
	return &config.Config{
		Runtime: config.RuntimeConfig{
			MaxIterations:   5,
			ToolTimeout:     5 * time.Second,
			ProviderTimeout: 5 * time.Second,
			Workers:         2,
			QueueDepth:      4,
			ShutdownGrace:   time.Second,
		},
	}
}

func writeAutomation(t *testing.T, dir, name, contents string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "automations", name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write automation: %v", err)
	}
	return notebook.HashContents(contents)
}

func startRuntime(t *testing.T, rt *Runtime) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		rt.Run(ctx)
	}()
	return cancel, stopped
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSchedulingPassRegistersTrigger(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	nb, err := notebook.Open(dir)
	if err != nil {
		t.Fatalf("Open notebook: %v", err)
	}
	hash := writeAutomation(t, dir, "lights.md", "Turn off all lights at 10pm every night.\n")

	s, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	provider := &scriptedProvider{turns: [][]*agent.CompletionChunk{
		{toolUse("create-cron-trigger", `{"expr": "0 22 * * *"}`), {Done: true}},
		{{Text: "scheduled"}, {Done: true}},
	}}

	client := hub.NewMockClient(nil, nil)
	rt := New(testConfig(), Deps{Store: s, Hub: client, Notebook: nb, Factory: staticFactory{provider}},
		WithEngineOptions(trigger.WithTickInterval(5*time.Millisecond)),
	)
	cancel, stopped := startRuntime(t, rt)
	defer func() { cancel(); <-stopped }()

	ctx := context.Background()
	waitFor(t, "cron signal", func() bool {
		alive, _ := s.AliveSignalsForHash(ctx, hash)
		return len(alive) == 1 && alive[0].Kind == store.KindCron
	})
	waitFor(t, "scheduling transcript", func() bool {
		logs, _ := s.RecentAutomationLogs(ctx, 10)
		for _, entry := range logs {
			if entry.Type == store.LogTypeDetermineSignal && entry.AutomationHash == hash && len(entry.Messages) >= 3 {
				return true
			}
		}
		return false
	})
}

func TestFiredOneShotExecutesAndDies(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	nb, err := notebook.Open(dir)
	if err != nil {
		t.Fatalf("Open notebook: %v", err)
	}
	hash := writeAutomation(t, dir, "movie.md", "When movie time starts, dim the living room lights.\n")

	s, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	// A one-shot already past its deadline fires once at startup.
	sigID, err := s.InsertSignal(ctx, hash, store.KindTime, store.SignalData{
		ISO8601: time.Now().Add(-time.Minute).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	provider := &scriptedProvider{turns: [][]*agent.CompletionChunk{
		{toolUse("call-service", `{"domain": "light", "service": "turn_off", "entityIds": ["light.living_room"]}`), {Done: true}},
		{{Text: "lights dimmed"}, {Done: true}},
	}}

	client := hub.NewMockClient([]hub.State{{EntityID: "light.living_room", State: "on"}}, nil)
	rt := New(testConfig(), Deps{Store: s, Hub: client, Notebook: nb, Factory: staticFactory{provider}},
		WithEngineOptions(trigger.WithTickInterval(5*time.Millisecond)),
	)
	cancel, stopped := startRuntime(t, rt)
	defer func() { cancel(); <-stopped }()

	waitFor(t, "service call", func() bool { return len(client.Calls()) == 1 })
	waitFor(t, "signal killed", func() bool {
		sig, err := s.GetSignal(ctx, sigID)
		return err == nil && sig.IsDead
	})

	var logID int64
	waitFor(t, "finished execution log", func() bool {
		logs, _ := s.RecentAutomationLogs(ctx, 10)
		for _, entry := range logs {
			if entry.Type == store.LogTypeExecuteSignal && len(entry.Messages) >= 3 {
				logID = entry.ID
				return true
			}
		}
		return false
	})

	calls, err := s.ServiceCallsForLog(ctx, logID)
	if err != nil {
		t.Fatalf("ServiceCallsForLog: %v", err)
	}
	if len(calls) != 1 || calls[0].Service != "light.turn_off" {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestSchedulingSkippedWhenSignalsAlive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	nb, err := notebook.Open(dir)
	if err != nil {
		t.Fatalf("Open notebook: %v", err)
	}
	hash := writeAutomation(t, dir, "lights.md", "Turn off all lights at 10pm every night.\n")

	s, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// A previous run already derived this automation's trigger.
	ctx := context.Background()
	if _, err := s.InsertSignal(ctx, hash, store.KindCron, store.SignalData{Expr: "0 22 * * *"}); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	provider := &scriptedProvider{}
	rt := New(testConfig(), Deps{Store: s, Hub: hub.NewMockClient(nil, nil), Notebook: nb, Factory: staticFactory{provider}},
		WithEngineOptions(trigger.WithTickInterval(5*time.Millisecond)),
	)
	cancel, stopped := startRuntime(t, rt)
	defer func() { cancel(); <-stopped }()

	waitFor(t, "scan loaded", func() bool {
		_, ok := rt.currentScan().AutomationByHash(hash)
		return ok
	})
	time.Sleep(200 * time.Millisecond)

	logs, err := s.RecentAutomationLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAutomationLogs: %v", err)
	}
	for _, entry := range logs {
		if entry.Type == store.LogTypeDetermineSignal {
			t.Fatalf("scheduling re-ran for hash with alive signal: %+v", entry)
		}
	}
	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	if calls != 0 {
		t.Errorf("provider called %d times, want 0", calls)
	}

	alive, _ := s.AliveSignalsForHash(ctx, hash)
	if len(alive) != 1 {
		t.Errorf("alive=%d want 1", len(alive))
	}
}

func TestRemovedAutomationLosesSignals(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	nb, err := notebook.Open(dir)
	if err != nil {
		t.Fatalf("Open notebook: %v", err)
	}

	s, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// Signals for an automation that is not in the notebook anymore.
	ctx := context.Background()
	if _, err := s.InsertSignal(ctx, "stale-hash", store.KindCron, store.SignalData{Expr: "0 7 * * *"}); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	provider := &scriptedProvider{}
	rt := New(testConfig(), Deps{Store: s, Hub: hub.NewMockClient(nil, nil), Notebook: nb, Factory: staticFactory{provider}},
		WithEngineOptions(trigger.WithTickInterval(5*time.Millisecond)),
	)
	cancel, stopped := startRuntime(t, rt)
	defer func() { cancel(); <-stopped }()

	waitFor(t, "stale signals reaped", func() bool {
		alive, _ := s.AliveSignals(ctx)
		return len(alive) == 0
	})
}

func TestRunCueLogsManualEntry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	nb, err := notebook.Open(dir)
	if err != nil {
		t.Fatalf("Open notebook: %v", err)
	}
	contents := "Announce that dinner is ready.\n"
	if err := os.WriteFile(filepath.Join(dir, "cues", "dinner.md"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write cue: %v", err)
	}

	s, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	provider := &scriptedProvider{turns: [][]*agent.CompletionChunk{
		{{Text: "announced"}, {Done: true}},
	}}
	rt := New(testConfig(), Deps{Store: s, Hub: hub.NewMockClient(nil, nil), Notebook: nb, Factory: staticFactory{provider}},
		WithEngineOptions(trigger.WithTickInterval(5*time.Millisecond)),
	)
	cancel, stopped := startRuntime(t, rt)
	defer func() { cancel(); <-stopped }()

	ctx := context.Background()
	waitFor(t, "scan loaded", func() bool {
		_, ok := rt.currentScan().CueByName("dinner")
		return ok
	})

	if err := rt.RunCue(ctx, "dinner"); err != nil {
		t.Fatalf("RunCue: %v", err)
	}
	logs, err := s.RecentAutomationLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAutomationLogs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Type == store.LogTypeManual && entry.AutomationHash == notebook.HashContents(contents) {
			if len(entry.Messages) >= 2 {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("no manual log entry: %+v", logs)
	}

	if err := rt.RunCue(ctx, "nope"); err == nil {
		t.Error("unknown cue accepted")
	}
}
