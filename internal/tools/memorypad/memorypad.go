// Package memorypad exposes the notebook scratchpad as a pair of tools so
// automations can carry state between runs.
package memorypad

import (
	"context"
	"encoding/json"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/notebook"
)

// Suite is the scratchpad tool server.
type Suite struct {
	pad *notebook.Scratchpad
}

// NewSuite binds the tools to a scratchpad.
func NewSuite(pad *notebook.Scratchpad) *Suite {
	return &Suite{pad: pad}
}

// Tools returns the suite's tool set.
func (s *Suite) Tools() []agent.Tool {
	return []agent.Tool{
		&readMemoryTool{s.pad},
		&writeMemoryTool{s.pad},
	}
}

type readMemoryTool struct{ pad *notebook.Scratchpad }

func (t *readMemoryTool) Name() string { return "read-memory" }
func (t *readMemoryTool) Description() string {
	return "Read the shared memory scratchpad. Empty when nothing has been written yet."
}
func (t *readMemoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`)
}

func (t *readMemoryTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	contents, err := t.pad.Read()
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if contents == "" {
		return &agent.ToolResult{Content: "memory is empty"}, nil
	}
	return &agent.ToolResult{Content: contents}, nil
}

type writeMemoryTool struct{ pad *notebook.Scratchpad }

func (t *writeMemoryTool) Name() string { return "write-memory" }
func (t *writeMemoryTool) Description() string {
	return "Replace the shared memory scratchpad with new contents. Include everything worth keeping; the previous contents are discarded."
}
func (t *writeMemoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "contents": { "type": "string" }
  },
  "required": ["contents"],
  "additionalProperties": false
}`)
}

func (t *writeMemoryTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Contents string `json:"contents"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if err := t.pad.Write(input.Contents); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: "memory updated"}, nil
}
