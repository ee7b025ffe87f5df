// Package vision lets automations look at camera entities: capture-image
// stores a frame in the images table, analyze-image runs a vision model
// over a stored frame.
package vision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/store"
)

// Analyzer answers a question about one image.
type Analyzer interface {
	Analyze(ctx context.Context, mimeType string, data []byte, prompt string) (string, error)
}

// Suite is the vision tool server.
type Suite struct {
	snapshots hub.Snapshotter
	store     *store.Store
	analyzer  Analyzer
}

// NewSuite creates the vision tools. analyzer may be nil, in which case
// analyze-image reports that no vision model is configured.
func NewSuite(snapshots hub.Snapshotter, st *store.Store, analyzer Analyzer) *Suite {
	return &Suite{snapshots: snapshots, store: st, analyzer: analyzer}
}

// Tools returns the suite's tool set.
func (s *Suite) Tools() []agent.Tool {
	return []agent.Tool{
		&captureTool{s},
		&analyzeTool{s},
	}
}

type captureTool struct{ suite *Suite }

func (t *captureTool) Name() string { return "capture-image" }
func (t *captureTool) Description() string {
	return "Capture a frame from a camera entity and store it. Returns the image id for analyze-image."
}
func (t *captureTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "entityId": { "type": "string", "description": "A camera entity, e.g. \"camera.front_door\"." }
  },
  "required": ["entityId"],
  "additionalProperties": false
}`)
}

func (t *captureTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		EntityID string `json:"entityId"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	if hub.EntityDomain(input.EntityID) != "camera" {
		return toolError("invalid parameters", fmt.Sprintf("%q is not a camera entity", input.EntityID)), nil
	}
	mimeType, data, err := t.suite.snapshots.CameraSnapshot(ctx, input.EntityID)
	if err != nil {
		return toolError("snapshot failed", err.Error()), nil
	}
	id, err := t.suite.store.InsertImage(ctx, input.EntityID, mimeType, data)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}
	return &agent.ToolResult{
		Content: fmt.Sprintf("captured image %s from %s (%s, %d bytes)", id, input.EntityID, mimeType, len(data)),
	}, nil
}

type analyzeTool struct{ suite *Suite }

func (t *analyzeTool) Name() string { return "analyze-image" }
func (t *analyzeTool) Description() string {
	return "Ask the vision model a question about a previously captured image."
}
func (t *analyzeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "imageId": { "type": "string", "description": "An id returned by capture-image." },
    "prompt": { "type": "string", "description": "What to look for, e.g. \"is anyone at the door?\"" }
  },
  "required": ["imageId", "prompt"],
  "additionalProperties": false
}`)
}

func (t *analyzeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		ImageID string `json:"imageId"`
		Prompt  string `json:"prompt"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	if t.suite.analyzer == nil {
		return toolError("no vision model", "no vision-capable provider is configured"), nil
	}
	img, err := t.suite.store.GetImage(ctx, input.ImageID)
	if err != nil {
		return toolError("unknown image", err.Error()), nil
	}
	answer, err := t.suite.analyzer.Analyze(ctx, img.MimeType, img.Bytes, input.Prompt)
	if err != nil {
		return toolError("analysis failed", err.Error()), nil
	}
	return &agent.ToolResult{Content: answer}, nil
}

func toolError(message, detail string) *agent.ToolResult {
	encoded, err := json.Marshal(map[string]string{"error": message, "detail": detail})
	if err != nil {
		return &agent.ToolResult{Content: message + ": " + detail, IsError: true}
	}
	return &agent.ToolResult{Content: string(encoded), IsError: true}
}
