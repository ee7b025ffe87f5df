// Package scheduler exposes the trigger-creation tools used by the
// scheduling pass. A Suite is scoped to one automation hash; every create
// tool persists a signal and reports its id back to the model.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/trigger"
)

// Tracker receives newly inserted signals so a live trigger engine can
// start evaluating them without a restart.
type Tracker interface {
	Track(sig store.Signal) error
}

// Suite is the scheduling tool server for one automation.
type Suite struct {
	store   *store.Store
	hub     hub.Client
	hash    string
	loc     *time.Location
	now     func() time.Time
	tracker Tracker
}

// Option configures a Suite.
type Option func(*Suite)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Suite) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracker registers the signals this suite creates with a live engine.
func WithTracker(tracker Tracker) Option {
	return func(s *Suite) { s.tracker = tracker }
}

// NewSuite creates the scheduling tools for one automation hash.
func NewSuite(s *store.Store, client hub.Client, hash string, loc *time.Location, opts ...Option) *Suite {
	suite := &Suite{store: s, hub: client, hash: hash, loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(suite)
	}
	return suite
}

// Tools returns the suite's tool set.
func (s *Suite) Tools() []agent.Tool {
	return []agent.Tool{
		&listTriggersTool{s},
		&cancelAllTool{s},
		&createCronTool{s},
		&createStateRegexTool{s},
		&createStateRangeTool{s},
		&createRelativeTimeTool{s},
		&createAbsoluteTimeTool{s},
	}
}

// insert persists a signal and hands it to the tracker.
func (s *Suite) insert(ctx context.Context, kind string, data store.SignalData) (*agent.ToolResult, error) {
	id, err := s.store.InsertSignal(ctx, s.hash, kind, data)
	if err != nil {
		return nil, fmt.Errorf("insert %s signal: %w", kind, err)
	}
	if s.tracker != nil {
		sig, err := s.store.GetSignal(ctx, id)
		if err == nil {
			if err := s.tracker.Track(sig); err != nil {
				return toolError("track signal", err.Error()), nil
			}
		}
	}
	return textResult(fmt.Sprintf("created %s trigger %s", kind, id)), nil
}

type listTriggersTool struct{ suite *Suite }

func (t *listTriggersTool) Name() string { return "list-scheduled-triggers" }
func (t *listTriggersTool) Description() string {
	return "List all currently scheduled triggers for this automation."
}
func (t *listTriggersTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`)
}

func (t *listTriggersTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	signals, err := t.suite.store.AliveSignalsForHash(ctx, t.suite.hash)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return textResult("no scheduled triggers"), nil
	}
	var b strings.Builder
	for _, sig := range signals {
		b.WriteString(sig.Describe())
		b.WriteByte('\n')
	}
	return textResult(strings.TrimRight(b.String(), "\n")), nil
}

type cancelAllTool struct{ suite *Suite }

func (t *cancelAllTool) Name() string { return "cancel-all-scheduled-triggers" }
func (t *cancelAllTool) Description() string {
	return "Cancel every scheduled trigger for this automation. Use before rescheduling from scratch."
}
func (t *cancelAllTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`)
}

func (t *cancelAllTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if err := t.suite.store.KillAllForHash(ctx, t.suite.hash); err != nil {
		return nil, err
	}
	if untracker, ok := t.suite.tracker.(interface{ UntrackHash(string) }); ok {
		untracker.UntrackHash(t.suite.hash)
	}
	return textResult("all triggers cancelled"), nil
}

type createCronTool struct{ suite *Suite }

func (t *createCronTool) Name() string { return "create-cron-trigger" }
func (t *createCronTool) Description() string {
	return "Schedule a recurring trigger from a standard 5-field cron expression, evaluated in the configured timezone."
}
func (t *createCronTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "expr": { "type": "string", "description": "5-field cron expression, e.g. \"0 7 * * *\"" }
  },
  "required": ["expr"],
  "additionalProperties": false
}`)
}

func (t *createCronTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Expr string `json:"expr"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	if _, err := trigger.ParseCron(input.Expr); err != nil {
		return toolError("invalid cron expression", err.Error()), nil
	}
	return t.suite.insert(ctx, store.KindCron, store.SignalData{Expr: strings.TrimSpace(input.Expr)})
}

type createStateRegexTool struct{ suite *Suite }

func (t *createStateRegexTool) Name() string { return "create-state-regex-trigger" }
func (t *createStateRegexTool) Description() string {
	return "Trigger whenever a listed entity's new state matches the regex (partial match)."
}
func (t *createStateRegexTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "entityIds": { "type": "array", "items": { "type": "string" }, "minItems": 1 },
    "regex": { "type": "string", "description": "Pattern matched anywhere in the new state string." }
  },
  "required": ["entityIds", "regex"],
  "additionalProperties": false
}`)
}

func (t *createStateRegexTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		EntityIDs []string `json:"entityIds"`
		Regex     string   `json:"regex"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	if len(input.EntityIDs) == 0 {
		return toolError("invalid parameters", "entityIds must not be empty"), nil
	}
	if _, err := regexp.Compile(input.Regex); err != nil {
		return toolError("invalid regex", err.Error()), nil
	}

	// Unknown entities are a soft error: the signal is not created, and
	// the model is expected to correct the ids on its next turn.
	if unknown := t.suite.unknownEntities(ctx, input.EntityIDs); len(unknown) > 0 {
		return toolError("unknown entities", fmt.Sprintf("not found on the hub: %s", strings.Join(unknown, ", "))), nil
	}

	return t.suite.insert(ctx, store.KindState, store.SignalData{EntityIDs: input.EntityIDs, Regex: input.Regex})
}

func (s *Suite) unknownEntities(ctx context.Context, ids []string) []string {
	states, err := s.hub.FetchStates(ctx)
	if err != nil {
		// The hub being unreachable must not block scheduling.
		return nil
	}
	known := make(map[string]struct{}, len(states))
	for _, st := range states {
		known[st.EntityID] = struct{}{}
	}
	var unknown []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

type createStateRangeTool struct{ suite *Suite }

func (t *createStateRangeTool) Name() string { return "create-state-range-trigger" }
func (t *createStateRangeTool) Description() string {
	return "Trigger once an entity's numeric state has stayed within [min, max] continuously for the given duration."
}
func (t *createStateRangeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "entityId": { "type": "string" },
    "min": { "type": "number" },
    "max": { "type": "number" },
    "forSeconds": { "type": "integer", "minimum": 0 }
  },
  "required": ["entityId", "forSeconds"],
  "additionalProperties": false
}`)
}

func (t *createStateRangeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		EntityID   string   `json:"entityId"`
		Min        *float64 `json:"min"`
		Max        *float64 `json:"max"`
		ForSeconds int      `json:"forSeconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	if input.EntityID == "" {
		return toolError("invalid parameters", "entityId is required"), nil
	}
	if input.Min == nil && input.Max == nil {
		return toolError("invalid parameters", "at least one of min or max is required"), nil
	}
	if input.Min != nil && input.Max != nil && *input.Min > *input.Max {
		return toolError("invalid parameters", "min must not exceed max"), nil
	}
	if input.ForSeconds < 0 {
		return toolError("invalid parameters", "forSeconds must be non-negative"), nil
	}
	if unknown := t.suite.unknownEntities(ctx, []string{input.EntityID}); len(unknown) > 0 {
		return toolError("unknown entities", fmt.Sprintf("not found on the hub: %s", unknown[0])), nil
	}
	return t.suite.insert(ctx, store.KindStateRange, store.SignalData{
		EntityID: input.EntityID, Min: input.Min, Max: input.Max, ForSeconds: input.ForSeconds,
	})
}

type createRelativeTimeTool struct{ suite *Suite }

func (t *createRelativeTimeTool) Name() string { return "create-relative-time-trigger" }
func (t *createRelativeTimeTool) Description() string {
	return "Trigger after a delay from now, optionally repeating at the same interval forever."
}
func (t *createRelativeTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "offsetSeconds": { "type": "integer", "minimum": 1 },
    "repeatForever": { "type": "boolean" }
  },
  "required": ["offsetSeconds"],
  "additionalProperties": false
}`)
}

func (t *createRelativeTimeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		OffsetSeconds int  `json:"offsetSeconds"`
		RepeatForever bool `json:"repeatForever"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	if input.OffsetSeconds <= 0 {
		return toolError("invalid parameters", "offsetSeconds must be positive"), nil
	}
	return t.suite.insert(ctx, store.KindOffset, store.SignalData{
		OffsetSeconds: input.OffsetSeconds,
		RepeatForever: input.RepeatForever,
		Anchor:        t.suite.now().UTC(),
	})
}

type createAbsoluteTimeTool struct{ suite *Suite }

func (t *createAbsoluteTimeTool) Name() string { return "create-absolute-time-trigger" }
func (t *createAbsoluteTimeTool) Description() string {
	return "Trigger once at an absolute instant, given as an ISO-8601 timestamp."
}
func (t *createAbsoluteTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "iso8601": { "type": "string", "description": "e.g. \"2026-08-24T19:30:00-07:00\"" }
  },
  "required": ["iso8601"],
  "additionalProperties": false
}`)
}

func (t *createAbsoluteTimeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		ISO8601 string `json:"iso8601"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	value := strings.TrimSpace(input.ISO8601)
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		// Allow timestamps without a zone; interpret in the configured
		// timezone.
		at, err = time.ParseInLocation("2006-01-02T15:04:05", value, t.suite.loc)
		if err != nil {
			return toolError("invalid timestamp", err.Error()), nil
		}
	}
	if !at.After(t.suite.now()) {
		return toolError("invalid timestamp", fmt.Sprintf("%s is in the past", value)), nil
	}
	return t.suite.insert(ctx, store.KindTime, store.SignalData{ISO8601: at.Format(time.RFC3339)})
}

func textResult(text string) *agent.ToolResult {
	return &agent.ToolResult{Content: text}
}

func toolError(message, detail string) *agent.ToolResult {
	encoded, err := json.Marshal(map[string]string{"error": message, "detail": detail})
	if err != nil {
		return &agent.ToolResult{Content: message + ": " + detail, IsError: true}
	}
	return &agent.ToolResult{Content: string(encoded), IsError: true}
}
