// Package store is the embedded SQLite persistence layer: durable trigger
// signals, automation conversation logs, service call logs, captured images,
// and an application log tail.
package store

import (
	"fmt"
	"time"

	"github.com/hearthd/hearth/internal/agent"
)

// Signal kinds.
const (
	KindCron       = "cron"
	KindState      = "state"
	KindOffset     = "offset"
	KindTime       = "time"
	KindStateRange = "state-range"
)

// Automation log entry types.
const (
	LogTypeManual          = "manual"
	LogTypeDetermineSignal = "determine-signal"
	LogTypeExecuteSignal   = "execute-signal"
)

// Signal is one durable trigger record. Alive signals for an automation hash
// together describe all current triggers for that revision.
type Signal struct {
	ID             string     `json:"id"`
	AutomationHash string     `json:"automationHash"`
	Kind           string     `json:"kind"`
	Data           SignalData `json:"data"`
	IsDead         bool       `json:"isDead"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// SignalData is the kind-specific payload, flattened into one struct so it
// round-trips through a single JSON column.
type SignalData struct {
	// cron
	Expr string `json:"expr,omitempty"`

	// state
	EntityIDs []string `json:"entityIds,omitempty"`
	Regex     string   `json:"regex,omitempty"`

	// offset
	OffsetSeconds int       `json:"offsetSeconds,omitempty"`
	RepeatForever bool      `json:"repeatForever,omitempty"`
	Anchor        time.Time `json:"anchor,omitzero"`

	// time
	ISO8601 string `json:"iso8601,omitempty"`

	// state-range
	EntityID   string   `json:"entityId,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	ForSeconds int      `json:"forSeconds,omitempty"`
}

// OneShot reports whether the signal dies on first fire.
func (s Signal) OneShot() bool {
	switch s.Kind {
	case KindTime:
		return true
	case KindOffset:
		return !s.Data.RepeatForever
	default:
		return false
	}
}

// Describe renders the signal for the model and for log output.
func (s Signal) Describe() string {
	switch s.Kind {
	case KindCron:
		return fmt.Sprintf("[%s] cron %q", s.ID, s.Data.Expr)
	case KindState:
		return fmt.Sprintf("[%s] state of %v matching /%s/", s.ID, s.Data.EntityIDs, s.Data.Regex)
	case KindOffset:
		repeat := "once"
		if s.Data.RepeatForever {
			repeat = "repeating"
		}
		return fmt.Sprintf("[%s] %ds after %s, %s", s.ID, s.Data.OffsetSeconds, s.Data.Anchor.Format(time.RFC3339), repeat)
	case KindTime:
		return fmt.Sprintf("[%s] at %s", s.ID, s.Data.ISO8601)
	case KindStateRange:
		lo, hi := "-inf", "+inf"
		if s.Data.Min != nil {
			lo = fmt.Sprintf("%g", *s.Data.Min)
		}
		if s.Data.Max != nil {
			hi = fmt.Sprintf("%g", *s.Data.Max)
		}
		return fmt.Sprintf("[%s] %s in [%s, %s] for %ds", s.ID, s.Data.EntityID, lo, hi, s.Data.ForSeconds)
	default:
		return fmt.Sprintf("[%s] %s", s.ID, s.Kind)
	}
}

// AutomationLogEntry is one LLM conversation: a manual chat request, a
// scheduling pass, or an execution pass. Append-only after the originating
// request completes.
type AutomationLogEntry struct {
	ID             int64                `json:"id"`
	CreatedAt      time.Time            `json:"createdAt"`
	AutomationHash string               `json:"automationHash,omitempty"`
	Type           string               `json:"type"`
	Messages       []agent.MessageParam `json:"messages"`
	SignaledBy     *Signal              `json:"signaledBy,omitempty"`
}

// CallServiceLogEntry records one hub service call made during a
// conversation.
type CallServiceLogEntry struct {
	CreatedAt       time.Time      `json:"createdAt"`
	AutomationLogID int64          `json:"automationLogId"`
	Service         string         `json:"service"`
	Target          string         `json:"target"`
	Data            map[string]any `json:"data,omitempty"`
}

// Image is one captured camera frame referenced by the vision tools.
type Image struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	EntityID  string    `json:"entityId"`
	MimeType  string    `json:"mimeType"`
	Bytes     []byte    `json:"-"`
}

// LogLine is one row of the persisted application log tail.
type LogLine struct {
	CreatedAt time.Time `json:"createdAt"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Attrs     string    `json:"attrs,omitempty"`
}
