// Package evals replays canned prompts through the tool loop against a
// mocked hub and scores the transcripts. It is how prompt or model changes
// get checked without touching a real home.
package evals

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/hub"
)

//go:embed fixtures/*.json
var fixtureFS embed.FS

// Fixture returns the canned hub data every scenario runs against.
func Fixture() ([]hub.State, hub.Services, error) {
	rawStates, err := fixtureFS.ReadFile("fixtures/states.json")
	if err != nil {
		return nil, nil, fmt.Errorf("evals: read states fixture: %w", err)
	}
	var states []hub.State
	if err := json.Unmarshal(rawStates, &states); err != nil {
		return nil, nil, fmt.Errorf("evals: decode states fixture: %w", err)
	}

	rawServices, err := fixtureFS.ReadFile("fixtures/services.json")
	if err != nil {
		return nil, nil, fmt.Errorf("evals: read services fixture: %w", err)
	}
	var services hub.Services
	if err := json.Unmarshal(rawServices, &services); err != nil {
		return nil, nil, fmt.Errorf("evals: decode services fixture: %w", err)
	}
	return states, services, nil
}

// GradeResult is one grader's verdict on a transcript.
type GradeResult struct {
	Grader    string  `json:"grader"`
	Score     float64 `json:"score"`
	Possible  float64 `json:"possible"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// Grader scores one finished transcript.
type Grader interface {
	Name() string
	Grade(ctx context.Context, messages []agent.MessageParam) (GradeResult, error)
}

// ScenarioResult is the scored outcome of one scenario run.
type ScenarioResult struct {
	Name               string               `json:"name"`
	Prompt             string               `json:"prompt"`
	ToolsDescription   string               `json:"toolsDescription"`
	Messages           []agent.MessageParam `json:"messages"`
	GradeResults       []GradeResult        `json:"gradeResults"`
	FinalScore         float64              `json:"finalScore"`
	FinalScorePossible float64              `json:"finalScorePossible"`
}

// transcriptText flattens a transcript to one searchable string: message
// text, tool names, tool inputs, and tool results.
func transcriptText(messages []agent.MessageParam) string {
	var b strings.Builder
	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case agent.BlockText:
				b.WriteString(block.Text)
			case agent.BlockToolUse:
				b.WriteString(block.Name)
				b.WriteByte(' ')
				b.Write(block.Input)
			case agent.BlockToolResult:
				b.WriteString(block.Content)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// ContentContains scores a transcript by how many needles appear anywhere
// in it. Case-insensitive; one point per needle.
type ContentContains struct {
	Needles []string
}

// Name returns "content-contains".
func (g ContentContains) Name() string { return "content-contains" }

// Grade counts the needles present in the flattened transcript.
func (g ContentContains) Grade(ctx context.Context, messages []agent.MessageParam) (GradeResult, error) {
	haystack := strings.ToLower(transcriptText(messages))
	var found, missing []string
	for _, needle := range g.Needles {
		if strings.Contains(haystack, strings.ToLower(needle)) {
			found = append(found, needle)
		} else {
			missing = append(missing, needle)
		}
	}
	reasoning := ""
	if len(missing) > 0 {
		reasoning = "missing: " + strings.Join(missing, ", ")
	}
	return GradeResult{
		Grader:    g.Name(),
		Score:     float64(len(found)),
		Possible:  float64(len(g.Needles)),
		Reasoning: reasoning,
	}, nil
}

const judgeSystemPrompt = `You grade transcripts of a home automation agent. You are given the task the
agent was asked to do and the full transcript of its run, including tool
calls. Grade how well the agent completed the task.

Respond with ONLY a JSON object: {"grade": <integer 1-5>, "reasoning":
"<one or two sentences>", "suggestions": "<how the agent could improve>"}`

// LLMJudge scores a transcript by asking a judge model for a 1-5 grade.
type LLMJudge struct {
	Factory   agent.ProviderFactory
	Selection string
	Rubric    string
}

// Name returns "llm-judge".
func (g LLMJudge) Name() string { return "llm-judge" }

type judgeVerdict struct {
	Grade       float64 `json:"grade"`
	Reasoning   string  `json:"reasoning"`
	Suggestions string  `json:"suggestions"`
}

// Grade runs the judge model over the transcript and parses its verdict.
func (g LLMJudge) Grade(ctx context.Context, messages []agent.MessageParam) (GradeResult, error) {
	provider, err := g.Factory.Provider(g.Selection)
	if err != nil {
		return GradeResult{}, fmt.Errorf("evals: judge provider: %w", err)
	}

	prompt := fmt.Sprintf("Task:\n%s\n\nTranscript:\n%s", g.Rubric, transcriptText(messages))
	chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
		System:   judgeSystemPrompt,
		Messages: []agent.MessageParam{agent.TextMessage(agent.RoleUser, prompt)},
	})
	if err != nil {
		return GradeResult{}, fmt.Errorf("evals: judge call: %w", err)
	}

	var response strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return GradeResult{}, fmt.Errorf("evals: judge stream: %w", chunk.Error)
		}
		response.WriteString(chunk.Text)
	}

	verdict, err := parseVerdict(response.String())
	if err != nil {
		return GradeResult{}, err
	}
	reasoning := verdict.Reasoning
	if verdict.Suggestions != "" {
		reasoning += " Suggestions: " + verdict.Suggestions
	}
	return GradeResult{
		Grader:    g.Name(),
		Score:     verdict.Grade,
		Possible:  5,
		Reasoning: reasoning,
	}, nil
}

// parseVerdict extracts the verdict object from the judge's reply, which
// may wrap the JSON in prose or a code fence.
func parseVerdict(reply string) (judgeVerdict, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return judgeVerdict{}, fmt.Errorf("evals: no JSON object in judge reply: %q", reply)
	}
	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(reply[start:end+1]), &verdict); err != nil {
		return judgeVerdict{}, fmt.Errorf("evals: decode judge verdict: %w", err)
	}
	if verdict.Grade < 1 || verdict.Grade > 5 {
		return judgeVerdict{}, fmt.Errorf("evals: judge grade %v out of range", verdict.Grade)
	}
	return verdict, nil
}
