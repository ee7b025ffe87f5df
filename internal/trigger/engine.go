// Package trigger multiplexes every alive signal into one event stream.
// Cron and timer signals are evaluated against a timezone-aware clock at a
// fixed tick; state signals are driven by the hub's state-change events.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/store"
)

const (
	defaultTickInterval = time.Second

	// timeJumpThreshold is how far the wall clock may drift between ticks
	// before all deadlines are recomputed.
	timeJumpThreshold = 30 * time.Second
)

// Firing is one emitted trigger event.
type Firing struct {
	AutomationHash string
	Signal         store.Signal
	FiredAt        time.Time
}

// active is the runtime state for one tracked signal.
type active struct {
	signal store.Signal

	// cron
	schedule cron.Schedule
	next     time.Time

	// time/offset
	deadline time.Time

	// state
	regex    *regexp.Regexp
	entities map[string]struct{}

	// state-range residency
	inRange bool
	since   time.Time
	armed   bool
}

// Engine owns the unified trigger stream. One scheduler goroutine evaluates
// timers; hub events are folded in on the same goroutine via the event
// channel, so per-signal state needs no locking beyond the tracking map.
type Engine struct {
	store  *store.Store
	hub    hub.Client
	loc    *time.Location
	now    func() time.Time
	tick   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	tracked map[string]*active

	out chan Firing
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTickInterval overrides the evaluation interval.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine over the signal store and hub client. Cron
// expressions are evaluated in loc.
func New(s *store.Store, client hub.Client, loc *time.Location, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		hub:     client,
		loc:     loc,
		now:     time.Now,
		tick:    defaultTickInterval,
		logger:  slog.Default().With("component", "trigger"),
		tracked: make(map[string]*active),
		out:     make(chan Firing, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start reconstitutes timers from the alive signal set and runs the stream
// until ctx is cancelled. One-shots whose fire time already passed are
// fired once immediately; missed cron ticks are not backfilled.
func (e *Engine) Start(ctx context.Context) (<-chan Firing, error) {
	signals, err := e.store.AliveSignals(ctx)
	if err != nil {
		return nil, fmt.Errorf("trigger: load alive signals: %w", err)
	}
	now := e.now()
	for _, sig := range signals {
		if err := e.track(sig, now); err != nil {
			e.logger.Warn("signal skipped", "signal", sig.ID, "kind", sig.Kind, "error", err)
		}
	}

	// Seed state-range residency from the current hub snapshot.
	if states, err := e.hub.FetchStates(ctx); err == nil {
		for _, st := range states {
			e.observeState(st.EntityID, st.State, now, nil)
		}
	} else {
		e.logger.Warn("initial state snapshot failed", "error", err)
	}

	events, err := e.hub.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("trigger: subscribe events: %w", err)
	}

	go e.run(ctx, events)
	return e.out, nil
}

// Track starts evaluating a newly inserted signal. State-range signals are
// seeded from the current hub snapshot: an entity already inside the range
// starts its residency clock now rather than on its next state event.
func (e *Engine) Track(sig store.Signal) error {
	now := e.now()
	if err := e.track(sig, now); err != nil {
		return err
	}
	if sig.Kind == store.KindStateRange {
		e.seedResidency(sig, now)
	}
	return nil
}

func (e *Engine) seedResidency(sig store.Signal, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	states, err := e.hub.FetchStates(ctx)
	if err != nil {
		e.logger.Warn("residency seed skipped", "signal", sig.ID, "error", err)
		return
	}
	for _, st := range states {
		if st.EntityID == sig.Data.EntityID {
			e.observeState(st.EntityID, st.State, now, nil)
			return
		}
	}
}

func (e *Engine) track(sig store.Signal, now time.Time) error {
	a := &active{signal: sig, armed: true}
	switch sig.Kind {
	case store.KindCron:
		schedule, err := ParseCron(sig.Data.Expr)
		if err != nil {
			return err
		}
		a.schedule = schedule
		a.next = schedule.Next(now.In(e.loc))

	case store.KindTime:
		deadline, err := time.Parse(time.RFC3339, sig.Data.ISO8601)
		if err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		a.deadline = deadline

	case store.KindOffset:
		if sig.Data.OffsetSeconds <= 0 {
			return fmt.Errorf("offset must be positive")
		}
		anchor := sig.Data.Anchor
		if anchor.IsZero() {
			anchor = sig.CreatedAt
		}
		offset := time.Duration(sig.Data.OffsetSeconds) * time.Second
		deadline := anchor.Add(offset)
		// A repeating offset that missed periods resumes on the next
		// future one; missed periods are not backfilled. A one-shot with
		// a past deadline stays due and catches up on the first tick.
		if sig.Data.RepeatForever {
			for !deadline.After(now) {
				deadline = deadline.Add(offset)
			}
		}
		a.deadline = deadline

	case store.KindState:
		regex, err := regexp.Compile(sig.Data.Regex)
		if err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
		a.regex = regex
		a.entities = make(map[string]struct{}, len(sig.Data.EntityIDs))
		for _, id := range sig.Data.EntityIDs {
			a.entities[id] = struct{}{}
		}

	case store.KindStateRange:
		if sig.Data.EntityID == "" {
			return fmt.Errorf("entity id is required")
		}
		if sig.Data.ForSeconds < 0 {
			return fmt.Errorf("forSeconds must be non-negative")
		}

	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}

	e.mu.Lock()
	e.tracked[sig.ID] = a
	e.mu.Unlock()
	return nil
}

// Untrack stops evaluating one signal.
func (e *Engine) Untrack(id string) {
	e.mu.Lock()
	delete(e.tracked, id)
	e.mu.Unlock()
}

// UntrackHash stops evaluating every signal of an automation.
func (e *Engine) UntrackHash(hash string) {
	e.mu.Lock()
	for id, a := range e.tracked {
		if a.signal.AutomationHash == hash {
			delete(e.tracked, id)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, events <-chan hub.StateChange) {
	defer close(e.out)

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	last := e.now()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			now := e.now()
			if jump := now.Sub(last); jump > timeJumpThreshold || jump < -timeJumpThreshold {
				e.logger.Warn("time jump detected, recomputing deadlines", "jump", jump)
				e.recompute(now)
			}
			last = now
			e.evaluateTimers(ctx, now)
			e.evaluateResidency(ctx, now)

		case change, ok := <-events:
			if !ok {
				e.logger.Warn("hub event stream ended")
				events = nil
				continue
			}
			if change.NewState == nil {
				continue
			}
			e.observeState(change.EntityID, change.NewState.State, e.now(), ctx)
		}
	}
}

// recompute rebuilds wall-clock deadlines after a detected time jump.
func (e *Engine) recompute(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.tracked {
		switch a.signal.Kind {
		case store.KindCron:
			a.next = a.schedule.Next(now.In(e.loc))
		case store.KindOffset:
			if a.signal.Data.RepeatForever {
				offset := time.Duration(a.signal.Data.OffsetSeconds) * time.Second
				for !a.deadline.After(now) {
					a.deadline = a.deadline.Add(offset)
				}
			}
		}
	}
}

// evaluateTimers fires cron and timer signals that are due at now.
func (e *Engine) evaluateTimers(ctx context.Context, now time.Time) {
	e.mu.Lock()
	due := make([]*active, 0)
	for _, a := range e.tracked {
		switch a.signal.Kind {
		case store.KindCron:
			if !a.next.IsZero() && !now.Before(a.next) {
				due = append(due, a)
				a.next = a.schedule.Next(now.In(e.loc))
			}
		case store.KindTime, store.KindOffset:
			if !now.Before(a.deadline) {
				due = append(due, a)
				if a.signal.Kind == store.KindOffset && a.signal.Data.RepeatForever {
					offset := time.Duration(a.signal.Data.OffsetSeconds) * time.Second
					for !a.deadline.After(now) {
						a.deadline = a.deadline.Add(offset)
					}
				} else {
					// One-shot: stop tracking; the runtime kills the row
					// atomically with the execution log.
					delete(e.tracked, a.signal.ID)
				}
			}
		}
	}
	// Stable order keeps multi-signal firings deterministic.
	slices.SortFunc(due, func(x, y *active) int {
		switch {
		case x.signal.ID < y.signal.ID:
			return -1
		case x.signal.ID > y.signal.ID:
			return 1
		default:
			return 0
		}
	})
	e.mu.Unlock()

	for _, a := range due {
		e.emit(ctx, a.signal, now)
	}
}

// observeState folds one entity state observation into state and
// state-range signals. ctx is nil during the startup snapshot, where
// residency is seeded but nothing fires.
func (e *Engine) observeState(entityID, state string, now time.Time, ctx context.Context) {
	e.mu.Lock()
	var fired []store.Signal
	for _, a := range e.tracked {
		switch a.signal.Kind {
		case store.KindState:
			if ctx == nil {
				continue
			}
			if _, watched := a.entities[entityID]; !watched {
				continue
			}
			// Partial match: the regex may hit anywhere in the state.
			if a.regex.MatchString(state) {
				fired = append(fired, a.signal)
			}

		case store.KindStateRange:
			if a.signal.Data.EntityID != entityID {
				continue
			}
			value, err := strconv.ParseFloat(state, 64)
			inRange := err == nil && withinRange(value, a.signal.Data.Min, a.signal.Data.Max)
			switch {
			case inRange && !a.inRange:
				a.inRange = true
				a.since = now
			case !inRange && a.inRange:
				a.inRange = false
				a.armed = true
			}
		}
	}
	e.mu.Unlock()

	for _, sig := range fired {
		e.emit(ctx, sig, now)
	}
	if ctx != nil {
		e.evaluateResidency(ctx, now)
	}
}

// evaluateResidency fires state-range signals whose continuous residency
// has reached forSeconds. Called on every tick and after every state event.
func (e *Engine) evaluateResidency(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var fired []store.Signal
	for _, a := range e.tracked {
		if a.signal.Kind != store.KindStateRange || !a.inRange || !a.armed {
			continue
		}
		if now.Sub(a.since) >= time.Duration(a.signal.Data.ForSeconds)*time.Second {
			a.armed = false
			fired = append(fired, a.signal)
		}
	}
	e.mu.Unlock()

	for _, sig := range fired {
		e.emit(ctx, sig, now)
	}
}

func (e *Engine) emit(ctx context.Context, sig store.Signal, now time.Time) {
	firing := Firing{AutomationHash: sig.AutomationHash, Signal: sig, FiredAt: now}
	if ctx == nil {
		return
	}
	select {
	case e.out <- firing:
		e.logger.Info("signal fired", "signal", sig.ID, "kind", sig.Kind, "automation", sig.AutomationHash)
	case <-ctx.Done():
	}
}

func withinRange(value float64, min, max *float64) bool {
	if min != nil && value < *min {
		return false
	}
	if max != nil && value > *max {
		return false
	}
	return true
}
