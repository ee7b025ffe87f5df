package evals

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/notebook"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/tools/hubtools"
	"github.com/hearthd/hearth/internal/tools/memorypad"
	"github.com/hearthd/hearth/internal/tools/scheduler"
)

// Env is the isolated world one scenario runs in: a mock hub built from the
// fixtures, a throwaway store, and a throwaway scratchpad.
type Env struct {
	Hub        *hub.MockClient
	Store      *store.Store
	Scratchpad *notebook.Scratchpad
	Loc        *time.Location
	LogID      int64
}

// Scenario is one graded eval case.
type Scenario struct {
	Name    string
	Prompt  string
	System  string
	Suites  func(env *Env) []agent.ToolServer
	Graders []Grader

	// Quick marks scenarios cheap enough for --quick runs.
	Quick bool
}

// Harness runs scenarios against one model selection.
type Harness struct {
	Factory   agent.ProviderFactory
	Selection string
}

// Run executes one scenario and grades its transcript.
func (h Harness) Run(ctx context.Context, sc Scenario) (ScenarioResult, error) {
	result := ScenarioResult{Name: sc.Name, Prompt: sc.Prompt}

	env, cleanup, err := newEnv()
	if err != nil {
		return result, err
	}
	defer cleanup()

	registry := agent.NewRegistry(sc.Suites(env))
	var descriptions []string
	for _, def := range registry.Definitions() {
		descriptions = append(descriptions, def.Name+": "+def.Description)
	}
	result.ToolsDescription = strings.Join(descriptions, "\n")

	provider, err := h.Factory.Provider(h.Selection)
	if err != nil {
		return result, fmt.Errorf("evals: provider: %w", err)
	}
	loop := agent.NewLoop(provider, registry, agent.WithSystemPrompt(sc.System))
	result.Messages, err = loop.Collect(ctx, sc.Prompt, nil)
	if err != nil {
		return result, fmt.Errorf("evals: scenario %s: %w", sc.Name, err)
	}

	for _, grader := range sc.Graders {
		grade, err := grader.Grade(ctx, result.Messages)
		if err != nil {
			return result, fmt.Errorf("evals: scenario %s, grader %s: %w", sc.Name, grader.Name(), err)
		}
		result.GradeResults = append(result.GradeResults, grade)
		result.FinalScore += grade.Score
		result.FinalScorePossible += grade.Possible
	}
	return result, nil
}

// RunAll executes up to num scenarios (0 means all). With quick set, only
// scenarios marked Quick run, and LLM-judge graders are skipped.
func (h Harness) RunAll(ctx context.Context, scenarios []Scenario, num int, quick bool) ([]ScenarioResult, error) {
	var results []ScenarioResult
	for _, sc := range scenarios {
		if num > 0 && len(results) >= num {
			break
		}
		if quick {
			if !sc.Quick {
				continue
			}
			var kept []Grader
			for _, g := range sc.Graders {
				if g.Name() != "llm-judge" {
					kept = append(kept, g)
				}
			}
			sc.Graders = kept
		}
		result, err := h.Run(ctx, sc)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func newEnv() (*Env, func(), error) {
	states, services, err := Fixture()
	if err != nil {
		return nil, nil, err
	}

	dir, err := os.MkdirTemp("", "hearth-evals-*")
	if err != nil {
		return nil, nil, fmt.Errorf("evals: temp dir: %w", err)
	}
	st, err := store.Open(filepath.Join(dir, "evals.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, fmt.Errorf("evals: open store: %w", err)
	}
	cleanup := func() {
		st.Close()
		os.RemoveAll(dir)
	}

	logID, err := st.AppendAutomationLog(context.Background(), store.AutomationLogEntry{
		AutomationHash: "eval-scenario",
		Type:           store.LogTypeManual,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("evals: create log: %w", err)
	}

	return &Env{
		Hub:        hub.NewMockClient(states, services),
		Store:      st,
		Scratchpad: notebook.NewScratchpad(filepath.Join(dir, "memory.md")),
		Loc:        time.UTC,
		LogID:      logID,
	}, cleanup, nil
}

// executionSuites is the tool set execution scenarios get: hub tools in
// test mode plus the scratchpad.
func executionSuites(env *Env) []agent.ToolServer {
	return []agent.ToolServer{
		hubtools.NewSuite(env.Hub, env.Store, env.LogID, hubtools.WithTestMode(true)),
		memorypad.NewSuite(env.Scratchpad),
	}
}

// schedulingSuites is the tool set scheduling scenarios get.
func schedulingSuites(env *Env) []agent.ToolServer {
	return []agent.ToolServer{
		scheduler.NewSuite(env.Store, env.Hub, "eval-scenario", env.Loc),
		memorypad.NewSuite(env.Scratchpad),
	}
}

// Catalog returns the built-in scenarios. judgeSelection names the judge
// model; empty disables the judge graders.
func Catalog(factory agent.ProviderFactory, judgeSelection string) []Scenario {
	judge := func(rubric string) []Grader {
		if judgeSelection == "" {
			return nil
		}
		return []Grader{LLMJudge{Factory: factory, Selection: judgeSelection, Rubric: rubric}}
	}

	return []Scenario{
		{
			Name:   "list-living-room-lights",
			Prompt: "List all the light entities in the living room. Give me their friendly names only.",
			System: executorSystem,
			Suites: executionSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"Bookshelf Light",
				"Overhead Light",
				"TV Lightstrip",
			}}}, judge("List the living room lights by friendly name, no entity ids.")...),
			Quick: true,
		},
		{
			Name:   "kitchen-lights-off",
			Prompt: "Turn off all the lights in the kitchen.",
			System: executorSystem,
			Suites: executionSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"light.turn_off",
				"kitchen_dining_room_chandelier",
			}}}, judge("Turn off the kitchen lights and nothing else.")...),
			Quick: true,
		},
		{
			Name:   "bedroom-thermostat",
			Prompt: "Set the thermostat in the bedroom to 72 degrees",
			System: executorSystem,
			Suites: executionSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"climate.set_temperature",
				"bedroom",
				"72",
			}}}, judge("Set the bedroom thermostat to 72 degrees.")...),
			Quick: true,
		},
		{
			Name:   "coffee-maker-cron",
			Prompt: "Every morning at 7am turn on the coffee maker",
			System: schedulerSystem,
			Suites: schedulingSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"create-cron-trigger",
				"0 7 * * *",
			}}}, judge("Register a daily 7am trigger for the coffee maker.")...),
			Quick: true,
		},
		{
			Name:   "front-door-flash",
			Prompt: "When the front door opens, flash the porch light",
			System: schedulerSystem,
			Suites: schedulingSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"create-state-regex-trigger",
				"binary_sensor.front_door",
				"open",
			}}}, judge("Register a state trigger on the front door opening.")...),
			Quick: true,
		},
		{
			Name: "movie-time",
			Prompt: "It's movie time. Set up the living room for a movie: " +
				"TV lightstrip on, overhead light off.",
			System: executorSystem,
			Suites: executionSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"light.living_room_tv_lightstrip",
				"light.living_room_overhead",
				"turn_off",
			}}}, judge("Set up the living room for a movie: lightstrip on, overhead off.")...),
			Quick: true,
		},
		{
			Name:   "goodnight",
			Prompt: "Good night. Turn off every light in the house.",
			System: executorSystem,
			Suites: executionSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"light.living_room_bookshelf",
				"light.living_room_overhead",
				"light.kitchen_dining_room_chandelier",
				"turn_off",
			}}}, judge("Turn off every light in the house.")...),
			Quick: true,
		},
		{
			Name:   "weekday-chandelier",
			Prompt: "Every weekday at 6:30 in the morning, turn on the kitchen dining room chandelier.",
			System: schedulerSystem,
			Suites: schedulingSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"create-cron-trigger",
				"30 6 * * 1-5",
			}}}, judge("Register a trigger for every weekday at 6:30am.")...),
			Quick: true,
		},
		{
			Name: "bedroom-too-warm",
			Prompt: "If the bedroom stays warmer than 24 degrees for 10 minutes, " +
				"I want to know about it.",
			System: schedulerSystem,
			Suites: schedulingSuites,
			Graders: append([]Grader{ContentContains{Needles: []string{
				"create-state-range-trigger",
				"sensor.bedroom_temperature",
				"600",
			}}}, judge("Register a sustained-temperature trigger: above 24 degrees for 10 minutes.")...),
		},
	}
}

const executorSystem = `You control a home automation hub through tools.
Inspect entity states before acting when behavior depends on them, carry
out exactly what the user asks, then reply with a one-line summary.`

const schedulerSystem = `You register triggers for a home automation, using
the tools provided. Do not perform the automation itself; register the
triggers that should wake it, then reply with a one-line summary.`
