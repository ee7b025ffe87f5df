package trigger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func testEngine(t *testing.T, loc *time.Location, clock *fakeClock) (*Engine, *store.Store, *hub.MockClient) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mock := hub.NewMockClient(nil, nil)
	engine := New(s, mock, loc, WithNow(clock.Now), WithTickInterval(5*time.Millisecond))
	return engine, s, mock
}

func drain(e *Engine) []Firing {
	var fired []Firing
	for {
		select {
		case f := <-e.out:
			fired = append(fired, f)
		default:
			return fired
		}
	}
}

func TestCronFiresTwelveTimesADay(t *testing.T) {
	t.Parallel()

	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	start := time.Date(2026, 8, 24, 0, 0, 30, 0, la)
	clock := &fakeClock{now: start}
	engine, s, _ := testEngine(t, la, clock)

	id, err := s.InsertSignal(context.Background(), "hash-a", store.KindCron, store.SignalData{Expr: "0 */2 * * *"})
	if err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	sig, _ := s.GetSignal(context.Background(), id)
	if err := engine.track(sig, start); err != nil {
		t.Fatalf("track: %v", err)
	}

	ctx := context.Background()
	var fired []Firing
	for now := start; now.Before(start.Add(24 * time.Hour)); now = now.Add(30 * time.Second) {
		engine.evaluateTimers(ctx, now)
		fired = append(fired, drain(engine)...)
	}

	if len(fired) != 12 {
		t.Fatalf("fired %d times over 24h, want 12", len(fired))
	}
	if fired[0].Signal.ID != id {
		t.Errorf("signal id=%s", fired[0].Signal.ID)
	}
}

func TestOneShotTimeCatchesUpThenStops(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	engine, s, _ := testEngine(t, time.UTC, clock)

	// Fire time an hour in the past: missed while down.
	id, _ := s.InsertSignal(context.Background(), "hash-a", store.KindTime,
		store.SignalData{ISO8601: now.Add(-time.Hour).Format(time.RFC3339)})
	sig, _ := s.GetSignal(context.Background(), id)
	if err := engine.track(sig, now); err != nil {
		t.Fatalf("track: %v", err)
	}

	ctx := context.Background()
	engine.evaluateTimers(ctx, now)
	fired := drain(engine)
	if len(fired) != 1 {
		t.Fatalf("fired=%d want 1 catch-up firing", len(fired))
	}

	// Never again.
	engine.evaluateTimers(ctx, now.Add(time.Minute))
	if again := drain(engine); len(again) != 0 {
		t.Fatalf("one-shot fired again: %+v", again)
	}
}

func TestRepeatingOffsetReArms(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: anchor}
	engine, s, _ := testEngine(t, time.UTC, clock)

	id, _ := s.InsertSignal(context.Background(), "hash-a", store.KindOffset,
		store.SignalData{OffsetSeconds: 60, RepeatForever: true, Anchor: anchor})
	sig, _ := s.GetSignal(context.Background(), id)
	if err := engine.track(sig, anchor); err != nil {
		t.Fatalf("track: %v", err)
	}

	ctx := context.Background()
	var count int
	for i := 1; i <= 5; i++ {
		engine.evaluateTimers(ctx, anchor.Add(time.Duration(i)*time.Minute))
		count += len(drain(engine))
	}
	if count != 5 {
		t.Fatalf("fired=%d want 5", count)
	}
}

func TestNonRepeatingOffsetFiresOnce(t *testing.T) {
	t.Parallel()

	anchor := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: anchor}
	engine, s, _ := testEngine(t, time.UTC, clock)

	id, _ := s.InsertSignal(context.Background(), "hash-a", store.KindOffset,
		store.SignalData{OffsetSeconds: 30, Anchor: anchor})
	sig, _ := s.GetSignal(context.Background(), id)
	_ = engine.track(sig, anchor)

	ctx := context.Background()
	engine.evaluateTimers(ctx, anchor.Add(29*time.Second))
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("fired early: %+v", fired)
	}
	engine.evaluateTimers(ctx, anchor.Add(30*time.Second))
	if fired := drain(engine); len(fired) != 1 {
		t.Fatalf("fired=%d want 1", len(fired))
	}
	engine.evaluateTimers(ctx, anchor.Add(90*time.Second))
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("one-shot re-fired: %+v", fired)
	}
}

func TestStateRegexPartialMatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	engine, s, _ := testEngine(t, time.UTC, clock)

	id, _ := s.InsertSignal(context.Background(), "hash-a", store.KindState,
		store.SignalData{EntityIDs: []string{"binary_sensor.front_door"}, Regex: "open"})
	sig, _ := s.GetSignal(context.Background(), id)
	_ = engine.track(sig, now)

	ctx := context.Background()

	// Partial match: "opening" contains "open".
	engine.observeState("binary_sensor.front_door", "opening", now, ctx)
	if fired := drain(engine); len(fired) != 1 {
		t.Fatalf("fired=%d want 1", len(fired))
	}

	// Unwatched entity.
	engine.observeState("binary_sensor.back_door", "open", now, ctx)
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("fired for unwatched entity: %+v", fired)
	}

	// Non-matching state.
	engine.observeState("binary_sensor.front_door", "closed", now, ctx)
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("fired for non-match: %+v", fired)
	}

	// State signals stay alive across fires.
	engine.observeState("binary_sensor.front_door", "open", now, ctx)
	if fired := drain(engine); len(fired) != 1 {
		t.Fatalf("fired=%d want 1 on repeat", len(fired))
	}
}

func TestStateRangeResidency(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	engine, s, _ := testEngine(t, time.UTC, clock)

	min, max := 20.0, 25.0
	id, _ := s.InsertSignal(context.Background(), "hash-a", store.KindStateRange,
		store.SignalData{EntityID: "sensor.bedroom_temp", Min: &min, Max: &max, ForSeconds: 300})
	sig, _ := s.GetSignal(context.Background(), id)
	_ = engine.track(sig, now)

	ctx := context.Background()

	// Enter the range.
	engine.observeState("sensor.bedroom_temp", "22.5", now, ctx)
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("fired before residency elapsed: %+v", fired)
	}

	// Residency not yet reached.
	engine.evaluateResidency(ctx, now.Add(4*time.Minute))
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("fired at 4m: %+v", fired)
	}

	// Residency reached.
	engine.evaluateResidency(ctx, now.Add(5*time.Minute))
	if fired := drain(engine); len(fired) != 1 {
		t.Fatalf("fired=%d want 1 at 5m", len(fired))
	}

	// Does not re-fire while still in range.
	engine.evaluateResidency(ctx, now.Add(20*time.Minute))
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("re-fired without leaving range: %+v", fired)
	}

	// Leaving and re-entering re-arms.
	engine.observeState("sensor.bedroom_temp", "28.1", now.Add(21*time.Minute), ctx)
	engine.observeState("sensor.bedroom_temp", "23.0", now.Add(22*time.Minute), ctx)
	engine.evaluateResidency(ctx, now.Add(27*time.Minute))
	if fired := drain(engine); len(fired) != 1 {
		t.Fatalf("fired=%d want 1 after re-entry", len(fired))
	}

	// Non-numeric state counts as out of range.
	engine.observeState("sensor.bedroom_temp", "unavailable", now.Add(28*time.Minute), ctx)
	engine.observeState("sensor.bedroom_temp", "23.0", now.Add(29*time.Minute), ctx)
	engine.evaluateResidency(ctx, now.Add(29*time.Minute).Add(299*time.Second))
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("fired before full residency after unavailable: %+v", fired)
	}
}

func TestTrackSeedsResidencyFromHubSnapshot(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	engine, s, mock := testEngine(t, time.UTC, clock)

	// Entity is already inside the range when the signal is registered and
	// never emits another event.
	mock.PushState("sensor.bedroom_temp", "22.5")

	min, max := 20.0, 25.0
	id, _ := s.InsertSignal(context.Background(), "hash-a", store.KindStateRange,
		store.SignalData{EntityID: "sensor.bedroom_temp", Min: &min, Max: &max, ForSeconds: 300})
	sig, _ := s.GetSignal(context.Background(), id)
	if err := engine.Track(sig); err != nil {
		t.Fatalf("Track: %v", err)
	}

	ctx := context.Background()
	engine.evaluateResidency(ctx, now.Add(4*time.Minute))
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("fired before residency elapsed: %+v", fired)
	}
	engine.evaluateResidency(ctx, now.Add(5*time.Minute))
	if fired := drain(engine); len(fired) != 1 {
		t.Fatalf("fired=%d want 1 without any state event", len(fired))
	}
}

func TestFiredOneShotNotReplayedAfterRestart(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	engine, s, _ := testEngine(t, time.UTC, clock)

	ctx := context.Background()
	id, _ := s.InsertSignal(ctx, "hash-a", store.KindTime,
		store.SignalData{ISO8601: now.Add(-time.Minute).Format(time.RFC3339)})
	sig, _ := s.GetSignal(ctx, id)
	_ = engine.track(sig, now)

	engine.evaluateTimers(ctx, now)
	if fired := drain(engine); len(fired) != 1 {
		t.Fatalf("fired=%d want 1", len(fired))
	}

	// The firing is handled up to the execution log insert, which kills the
	// one-shot in the same transaction; the process then dies before any
	// transcript is written.
	if _, err := s.AppendExecutionLog(ctx, store.AutomationLogEntry{
		AutomationHash: sig.AutomationHash,
		Type:           store.LogTypeExecuteSignal,
		SignaledBy:     &sig,
	}, sig.ID); err != nil {
		t.Fatalf("AppendExecutionLog: %v", err)
	}

	// Restart: a fresh engine over the same store must not catch it up.
	restartCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	restarted := New(s, hub.NewMockClient(nil, nil), time.UTC,
		WithNow(clock.Now), WithTickInterval(5*time.Millisecond))
	firings, err := restarted.Start(restartCtx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case f := <-firings:
		t.Fatalf("fired one-shot replayed after restart: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeJumpRecomputesCron(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	clock := &fakeClock{now: now}
	engine, s, _ := testEngine(t, time.UTC, clock)

	id, _ := s.InsertSignal(context.Background(), "hash-a", store.KindCron,
		store.SignalData{Expr: "0 * * * *"})
	sig, _ := s.GetSignal(context.Background(), id)
	_ = engine.track(sig, now)

	// Jump 6 hours forward; missed ticks must not backfill.
	jumped := now.Add(6 * time.Hour)
	engine.recompute(jumped)
	ctx := context.Background()
	engine.evaluateTimers(ctx, jumped)
	if fired := drain(engine); len(fired) != 0 {
		t.Fatalf("backfilled missed cron ticks: %+v", fired)
	}

	// The next top of the hour still fires.
	engine.evaluateTimers(ctx, jumped.Add(30*time.Minute))
	if fired := drain(engine); len(fired) != 1 {
		t.Fatalf("fired=%d want 1 at next hour", len(fired))
	}
}

func TestUntrackHash(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	engine, s, _ := testEngine(t, time.UTC, clock)

	idA, _ := s.InsertSignal(context.Background(), "hash-a", store.KindState,
		store.SignalData{EntityIDs: []string{"light.kitchen"}, Regex: "on"})
	idB, _ := s.InsertSignal(context.Background(), "hash-b", store.KindState,
		store.SignalData{EntityIDs: []string{"light.kitchen"}, Regex: "on"})
	sigA, _ := s.GetSignal(context.Background(), idA)
	sigB, _ := s.GetSignal(context.Background(), idB)
	_ = engine.track(sigA, now)
	_ = engine.track(sigB, now)

	engine.UntrackHash("hash-a")

	ctx := context.Background()
	engine.observeState("light.kitchen", "on", now, ctx)
	fired := drain(engine)
	if len(fired) != 1 || fired[0].AutomationHash != "hash-b" {
		t.Fatalf("fired=%+v want only hash-b", fired)
	}
}

func TestStartEmitsOverStream(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	engine, s, mock := testEngine(t, time.UTC, clock)

	// A missed one-shot catches up through the live stream.
	if _, err := s.InsertSignal(context.Background(), "hash-a", store.KindTime,
		store.SignalData{ISO8601: now.Add(-time.Minute).Format(time.RFC3339)}); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	// And a state signal rides hub events.
	idState, _ := s.InsertSignal(context.Background(), "hash-b", store.KindState,
		store.SignalData{EntityIDs: []string{"binary_sensor.front_door"}, Regex: "^open$"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firings, err := engine.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case f := <-firings:
		if f.AutomationHash != "hash-a" || f.Signal.Kind != store.KindTime {
			t.Fatalf("first firing=%+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no catch-up firing")
	}

	mock.PushState("binary_sensor.front_door", "open")
	select {
	case f := <-firings:
		if f.Signal.ID != idState {
			t.Fatalf("firing=%+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state firing")
	}

	cancel()
	for range firings {
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()

	valid := []string{"0 7 * * *", "*/5 * * * *", "0 */2 * * *", "30 6 * * 1-5"}
	for _, expr := range valid {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q): %v", expr, err)
		}
	}
	invalid := []string{"", "* * * *", "0 0 * * * *", "@daily", "61 * * * *"}
	for _, expr := range invalid {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) accepted", expr)
		}
	}
}
