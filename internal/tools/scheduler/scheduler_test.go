package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/store"
)

func testSuite(t *testing.T, now time.Time) (*Suite, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	client := hub.NewMockClient([]hub.State{
		{EntityID: "light.kitchen", State: "on"},
		{EntityID: "sensor.bedroom_temp", State: "20.5"},
	}, nil)

	suite := NewSuite(s, client, "hash-a", time.UTC, WithNow(func() time.Time { return now }))
	return suite, s
}

func call(t *testing.T, tool agent.Tool, params string) *agent.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), json.RawMessage(params))
	if err != nil {
		t.Fatalf("%s: %v", tool.Name(), err)
	}
	return res
}

func toolByName(t *testing.T, suite *Suite, name string) agent.Tool {
	t.Helper()
	for _, tool := range suite.Tools() {
		if tool.Name() == name {
			return tool
		}
	}
	t.Fatalf("tool %q not in suite", name)
	return nil
}

func TestCreateCronTrigger(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	suite, s := testSuite(t, now)
	tool := toolByName(t, suite, "create-cron-trigger")

	res := call(t, tool, `{"expr": "0 7 * * *"}`)
	if res.IsError {
		t.Fatalf("result=%+v", res)
	}
	alive, _ := s.AliveSignalsForHash(context.Background(), "hash-a")
	if len(alive) != 1 || alive[0].Kind != store.KindCron || alive[0].Data.Expr != "0 7 * * *" {
		t.Fatalf("alive=%+v", alive)
	}
	if !strings.Contains(res.Content, alive[0].ID) {
		t.Errorf("content=%q missing signal id", res.Content)
	}

	// Descriptors and wrong field counts are rejected without inserting.
	for _, expr := range []string{"@daily", "0 7 * *", "61 * * * *"} {
		res := call(t, tool, `{"expr": "`+expr+`"}`)
		if !res.IsError {
			t.Errorf("expr %q accepted", expr)
		}
	}
	alive, _ = s.AliveSignalsForHash(context.Background(), "hash-a")
	if len(alive) != 1 {
		t.Fatalf("len(alive)=%d want 1", len(alive))
	}
}

func TestCreateStateRegexTrigger(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	suite, s := testSuite(t, now)
	tool := toolByName(t, suite, "create-state-regex-trigger")

	res := call(t, tool, `{"entityIds": ["light.kitchen"], "regex": "on|off"}`)
	if res.IsError {
		t.Fatalf("result=%+v", res)
	}
	alive, _ := s.AliveSignalsForHash(context.Background(), "hash-a")
	if len(alive) != 1 || alive[0].Data.Regex != "on|off" {
		t.Fatalf("alive=%+v", alive)
	}

	res = call(t, tool, `{"entityIds": ["light.kitchen"], "regex": "("}`)
	if !res.IsError || !strings.Contains(res.Content, "invalid regex") {
		t.Errorf("result=%+v", res)
	}

	// Entities missing from the hub are reported back as a soft error.
	res = call(t, tool, `{"entityIds": ["light.nope"], "regex": "on"}`)
	if !res.IsError || !strings.Contains(res.Content, "light.nope") {
		t.Errorf("result=%+v", res)
	}
	alive, _ = s.AliveSignalsForHash(context.Background(), "hash-a")
	if len(alive) != 1 {
		t.Fatalf("len(alive)=%d want 1", len(alive))
	}
}

func TestCreateStateRangeTrigger(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	suite, s := testSuite(t, now)
	tool := toolByName(t, suite, "create-state-range-trigger")

	res := call(t, tool, `{"entityId": "sensor.bedroom_temp", "min": 18, "max": 21, "forSeconds": 300}`)
	if res.IsError {
		t.Fatalf("result=%+v", res)
	}
	alive, _ := s.AliveSignalsForHash(context.Background(), "hash-a")
	if len(alive) != 1 || *alive[0].Data.Min != 18 || *alive[0].Data.Max != 21 || alive[0].Data.ForSeconds != 300 {
		t.Fatalf("alive=%+v", alive)
	}

	// Open-ended ranges need only one bound.
	res = call(t, tool, `{"entityId": "sensor.bedroom_temp", "max": 5, "forSeconds": 0}`)
	if res.IsError {
		t.Fatalf("result=%+v", res)
	}

	for name, params := range map[string]string{
		"no bounds":    `{"entityId": "sensor.bedroom_temp", "forSeconds": 10}`,
		"min over max": `{"entityId": "sensor.bedroom_temp", "min": 25, "max": 20, "forSeconds": 10}`,
		"no entity":    `{"min": 1, "forSeconds": 10}`,
	} {
		if res := call(t, tool, params); !res.IsError {
			t.Errorf("%s accepted", name)
		}
	}
}

func TestCreateRelativeTimeTrigger(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	suite, s := testSuite(t, now)
	tool := toolByName(t, suite, "create-relative-time-trigger")

	res := call(t, tool, `{"offsetSeconds": 900, "repeatForever": true}`)
	if res.IsError {
		t.Fatalf("result=%+v", res)
	}
	alive, _ := s.AliveSignalsForHash(context.Background(), "hash-a")
	if len(alive) != 1 || alive[0].Data.OffsetSeconds != 900 || !alive[0].Data.RepeatForever {
		t.Fatalf("alive=%+v", alive)
	}
	if !alive[0].Data.Anchor.Equal(now) {
		t.Errorf("anchor=%v want %v", alive[0].Data.Anchor, now)
	}
	if alive[0].OneShot() {
		t.Error("repeating offset must not be one-shot")
	}

	if res := call(t, tool, `{"offsetSeconds": 0}`); !res.IsError {
		t.Error("zero offset accepted")
	}
}

func TestCreateAbsoluteTimeTrigger(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	suite, s := testSuite(t, now)
	tool := toolByName(t, suite, "create-absolute-time-trigger")

	res := call(t, tool, `{"iso8601": "2026-08-24T19:30:00Z"}`)
	if res.IsError {
		t.Fatalf("result=%+v", res)
	}
	alive, _ := s.AliveSignalsForHash(context.Background(), "hash-a")
	if len(alive) != 1 || alive[0].Kind != store.KindTime {
		t.Fatalf("alive=%+v", alive)
	}
	if !alive[0].OneShot() {
		t.Error("time signal must be one-shot")
	}

	// Zone-less timestamps are read in the configured timezone.
	res = call(t, tool, `{"iso8601": "2026-08-24T19:30:00"}`)
	if res.IsError {
		t.Fatalf("result=%+v", res)
	}

	if res := call(t, tool, `{"iso8601": "2020-01-01T00:00:00Z"}`); !res.IsError {
		t.Error("past timestamp accepted")
	}
	if res := call(t, tool, `{"iso8601": "tomorrow at 7"}`); !res.IsError {
		t.Error("garbage timestamp accepted")
	}
}

func TestListAndCancelAll(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	suite, s := testSuite(t, now)

	list := toolByName(t, suite, "list-scheduled-triggers")
	res := call(t, list, `{}`)
	if res.IsError || !strings.Contains(res.Content, "no scheduled triggers") {
		t.Fatalf("result=%+v", res)
	}

	call(t, toolByName(t, suite, "create-cron-trigger"), `{"expr": "0 7 * * *"}`)
	call(t, toolByName(t, suite, "create-relative-time-trigger"), `{"offsetSeconds": 60}`)

	res = call(t, list, `{}`)
	if !strings.Contains(res.Content, "0 7 * * *") {
		t.Errorf("content=%q", res.Content)
	}
	if got := len(strings.Split(res.Content, "\n")); got != 2 {
		t.Errorf("lines=%d want 2", got)
	}

	res = call(t, toolByName(t, suite, "cancel-all-scheduled-triggers"), `{}`)
	if res.IsError {
		t.Fatalf("result=%+v", res)
	}
	alive, _ := s.AliveSignalsForHash(context.Background(), "hash-a")
	if len(alive) != 0 {
		t.Fatalf("alive=%+v", alive)
	}
}

type recordingTracker struct{ tracked []store.Signal }

func (r *recordingTracker) Track(sig store.Signal) error {
	r.tracked = append(r.tracked, sig)
	return nil
}

func TestTrackerNotified(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	suite, _ := testSuite(t, now)
	tracker := &recordingTracker{}
	WithTracker(tracker)(suite)

	call(t, toolByName(t, suite, "create-cron-trigger"), `{"expr": "30 6 * * 1-5"}`)
	if len(tracker.tracked) != 1 || tracker.tracked[0].Data.Expr != "30 6 * * 1-5" {
		t.Fatalf("tracked=%+v", tracker.tracked)
	}
}
