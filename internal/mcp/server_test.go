package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hearthd/hearth/internal/agent"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the input back." }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"text": {"type": "string"}}, "required": ["text"]}`)
}
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: input.Text}, nil
}

func serve(t *testing.T, requests ...string) []JSONRPCResponse {
	t.Helper()
	registry := agent.NewRegistry([]agent.ToolServer{agent.StaticToolServer{echoTool{}}})
	server := NewServer(registry, "hearthd", "test")

	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	var out bytes.Buffer
	if err := server.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var responses []JSONRPCResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("decode response %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func resultAs(t *testing.T, resp JSONRPCResponse, out any) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-encode result: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestInitializeAndListTools(t *testing.T) {
	t.Parallel()
	responses := serve(t,
		`{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": {}}`,
		`{"jsonrpc": "2.0", "method": "notifications/initialized"}`,
		`{"jsonrpc": "2.0", "id": 2, "method": "tools/list"}`,
	)
	if len(responses) != 2 {
		t.Fatalf("responses=%d want 2 (notification must be silent)", len(responses))
	}

	var init InitializeResult
	resultAs(t, responses[0], &init)
	if init.ProtocolVersion != protocolVersion || init.ServerInfo.Name != "hearthd" {
		t.Errorf("init=%+v", init)
	}
	if init.Capabilities.Tools == nil {
		t.Error("tools capability missing")
	}

	var list ListToolsResult
	resultAs(t, responses[1], &list)
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Fatalf("tools=%+v", list.Tools)
	}
	if !strings.Contains(string(list.Tools[0].InputSchema), `"text"`) {
		t.Errorf("schema=%s", list.Tools[0].InputSchema)
	}
}

func TestCallTool(t *testing.T) {
	t.Parallel()
	responses := serve(t,
		`{"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": {"name": "echo", "arguments": {"text": "hi"}}}`,
		`{"jsonrpc": "2.0", "id": 2, "method": "tools/call", "params": {"name": "missing", "arguments": {}}}`,
	)
	if len(responses) != 2 {
		t.Fatalf("responses=%d", len(responses))
	}

	var ok CallToolResult
	resultAs(t, responses[0], &ok)
	if ok.IsError || len(ok.Content) != 1 || ok.Content[0].Text != "hi" {
		t.Fatalf("result=%+v", ok)
	}

	// Unknown tools come back in-band, not as JSON-RPC errors.
	var missing CallToolResult
	resultAs(t, responses[1], &missing)
	if !missing.IsError || !strings.Contains(missing.Content[0].Text, "tool-not-found") {
		t.Fatalf("result=%+v", missing)
	}
}

func TestProtocolErrors(t *testing.T) {
	t.Parallel()
	responses := serve(t,
		`this is not json`,
		`{"jsonrpc": "2.0", "id": 1, "method": "nope"}`,
		`{"jsonrpc": "2.0", "id": 2, "method": "tools/call", "params": {"arguments": {}}}`,
	)
	if len(responses) != 3 {
		t.Fatalf("responses=%d", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != ErrCodeParseError {
		t.Errorf("resp=%+v", responses[0])
	}
	if responses[1].Error == nil || responses[1].Error.Code != ErrCodeMethodNotFound {
		t.Errorf("resp=%+v", responses[1])
	}
	if responses[2].Error == nil || responses[2].Error.Code != ErrCodeInvalidParams {
		t.Errorf("resp=%+v", responses[2])
	}
}
