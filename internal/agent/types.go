// Package agent implements the LLM tool-calling loop and the tool registry
// it drives.
//
// The loop runs one conversation to fixpoint: request a completion, execute
// any tool calls the model emitted, feed the results back, and repeat until
// the model stops calling tools or the iteration budget runs out. Every
// message in the exchange is surfaced on a channel in order, so callers get
// a faithful transcript they can persist or abandon mid-stream.
package agent

import (
	"context"
	"encoding/json"
)

// Message roles and content block types for the canonical transcript shape.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// MessageParam is the canonical chat message manipulated throughout the
// loop and persisted in automation logs. Vendor-native formats are
// translated to and from this shape inside the provider drivers.
type MessageParam struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one element of a message: plain text, a tool invocation
// request from the model, or a tool result fed back to it.
type ContentBlock struct {
	Type string `json:"type"`

	// Text is set for "text" blocks.
	Text string `json:"text,omitempty"`

	// ID, Name, and Input are set for "tool_use" blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content, and IsError are set for "tool_result" blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) MessageParam {
	return MessageParam{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Text concatenates the message's text blocks.
func (m MessageParam) Text() string {
	out := ""
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the message's tool_use blocks in emission order.
func (m MessageParam) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolCall is a single tool invocation request extracted from a completion.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// CompletionRequest contains the parameters for one provider call.
type CompletionRequest struct {
	// Model overrides the driver's default model when non-empty.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation so far, in canonical shape.
	Messages []MessageParam `json:"messages"`

	// Tools defines the callable tools for this request.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens bounds the response length; 0 means the driver default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ToolDefinition is the name/description/schema triple advertised to the
// model for one tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
}

// CompletionChunk is one streamed element of a provider response.
type CompletionChunk struct {
	// Text is partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall is a complete tool invocation request.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Done marks successful stream completion.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}

// LLMProvider is the abstract model driver: run a prompt with a tool set,
// stream back the response. Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Complete sends a request and returns a streaming response. The
	// channel is closed by the driver when the stream ends.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the stable lowercase driver name.
	Name() string

	// Models returns the model ids this driver can serve.
	Models() []string
}

// ProviderFactory constructs a provider for a driver/model selection. The
// runtime holds a factory rather than an instance so per-automation model
// directives can swap both driver and model.
type ProviderFactory interface {
	// Provider returns a driver for the given selection. Empty selection
	// yields the configured default.
	Provider(selection string) (LLMProvider, error)
}

// Tool is one callable tool: schema for the model, handler for the loop.
type Tool interface {
	// Name returns the tool name advertised to the model.
	Name() string

	// Description explains when the model should use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Expected failures are reported via
	// ToolResult.IsError, not the error return; a non-nil error means the
	// handler itself failed unexpectedly.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolServer groups related tools and carries their scoped context (for
// example, which automation hash the scheduling tools operate on).
type ToolServer interface {
	// Tools returns the server's tools.
	Tools() []Tool
}

// StaticToolServer is a ToolServer over a fixed slice.
type StaticToolServer []Tool

// Tools returns the underlying slice.
func (s StaticToolServer) Tools() []Tool { return s }
