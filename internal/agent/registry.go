package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool input JSON (1MB).
	MaxToolParamsSize = 1 << 20

	// DefaultToolTimeout bounds each tool call.
	DefaultToolTimeout = 60 * time.Second
)

// Registry binds named tools to handlers and mediates call/response between
// the loop and the tool implementations. Tool inputs are validated against
// each tool's schema before the handler runs; every failure mode comes back
// as a structured tool_result payload rather than a Go error, so the model
// gets something it can react to.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	timeout time.Duration
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithToolTimeout overrides the per-call execution timeout.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRegistryLogger overrides the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry over the given tool servers.
func NewRegistry(servers []ToolServer, opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		timeout: DefaultToolTimeout,
		logger:  slog.Default().With("component", "tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, srv := range servers {
		for _, tool := range srv.Tools() {
			r.Register(tool)
		}
	}
	return r
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	r.tools[name] = tool
	if schema := compileSchema(name, tool.Schema()); schema != nil {
		r.schemas[name] = schema
	}
}

func compileSchema(name string, raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
		return nil
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil
	}
	return schema
}

// Definitions returns the tool definitions for advertising to the model.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Call routes one tool invocation. The result is always usable as a
// tool_result payload; unknown tools, invalid input, handler failures, and
// timeouts are all reported in-band.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) *ToolResult {
	if len(name) > MaxToolNameLength {
		return structuredError("tool-error", name, fmt.Sprintf("tool name exceeds %d characters", MaxToolNameLength))
	}
	if len(input) > MaxToolParamsSize {
		return structuredError("tool-error", name, fmt.Sprintf("tool input exceeds %d bytes", MaxToolParamsSize))
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return notFoundError(name)
	}

	if schema != nil && len(input) > 0 {
		var decoded any
		if err := json.Unmarshal(input, &decoded); err != nil {
			return structuredError("tool-error", name, fmt.Sprintf("input is not valid JSON: %v", err))
		}
		if err := schema.Validate(decoded); err != nil {
			return structuredError("tool-error", name, fmt.Sprintf("input does not match schema: %v", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *ToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := tool.Execute(callCtx, input)
		done <- outcome{res, err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled; report it as a plain tool error.
			return structuredError("tool-error", name, "cancelled")
		}
		r.logger.Warn("tool call timed out", "tool", name, "timeout", timeout)
		return timeoutError(name, timeout)
	case out := <-done:
		if out.err != nil {
			r.logger.Warn("tool call failed", "tool", name, "error", out.err)
			return structuredError("tool-error", name, out.err.Error())
		}
		if out.res == nil {
			return structuredError("tool-error", name, "tool returned no result")
		}
		return out.res
	}
}

func notFoundError(name string) *ToolResult {
	payload, _ := json.Marshal(map[string]any{"kind": "tool-not-found", "tool": name})
	return &ToolResult{Content: string(payload), IsError: true}
}

func timeoutError(name string, timeout time.Duration) *ToolResult {
	payload, _ := json.Marshal(map[string]any{
		"kind":      "tool-timeout",
		"tool":      name,
		"timeoutMs": timeout.Milliseconds(),
	})
	return &ToolResult{Content: string(payload), IsError: true}
}

func structuredError(kind, name, detail string) *ToolResult {
	payload, err := json.Marshal(map[string]any{"kind": kind, "tool": name, "error": detail})
	if err != nil {
		return &ToolResult{Content: detail, IsError: true}
	}
	return &ToolResult{Content: string(payload), IsError: true}
}
