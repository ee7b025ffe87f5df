package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hearthd/hearth/internal/agent"
)

// OllamaConfig configures the Ollama driver.
type OllamaConfig struct {
	Host         string
	DefaultModel string
	Timeout      time.Duration
}

// OllamaProvider implements agent.LLMProvider over Ollama's /api/chat
// NDJSON streaming endpoint.
type OllamaProvider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

var _ agent.LLMProvider = (*OllamaProvider)(nil)

// NewOllamaProvider creates an Ollama driver.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
	}
}

// Name returns "ollama".
func (p *OllamaProvider) Name() string { return "ollama" }

// Models returns the configured default model, if any.
func (p *OllamaProvider) Models() []string {
	if p.defaultModel == "" {
		return nil
	}
	return []string{p.defaultModel}
}

// Complete sends a streaming chat request.
func (p *OllamaProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, errors.New("ollama: model is required")
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: toOllamaMessages(req),
		Tools:    toOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.streamResponse(ctx, resp.Body, chunks)
	return chunks, nil
}

func (p *OllamaProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- *agent.CompletionChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	// Ollama may repeat tool calls across frames; dedupe by id.
	emitted := map[string]struct{}{}
	for scanner.Scan() {
		if ctx.Err() != nil {
			out <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var frame ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			out <- &agent.CompletionChunk{Error: fmt.Errorf("ollama: decode frame: %w", err)}
			return
		}
		if frame.Error != "" {
			out <- &agent.CompletionChunk{Error: errors.New("ollama: " + frame.Error)}
			return
		}
		if frame.Message != nil {
			if frame.Message.Content != "" {
				out <- &agent.CompletionChunk{Text: frame.Message.Content}
			}
			for _, tc := range frame.Message.ToolCalls {
				id := toolCallKey(tc)
				if id == "" {
					id = uuid.NewString()
				}
				if _, seen := emitted[id]; seen {
					continue
				}
				emitted[id] = struct{}{}
				input := tc.Function.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				out <- &agent.CompletionChunk{ToolCall: &agent.ToolCall{
					ID:    tc.ID,
					Name:  strings.TrimSpace(tc.Function.Name),
					Input: input,
				}}
			}
		}
		if frame.Done {
			out <- &agent.CompletionChunk{Done: true}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- &agent.CompletionChunk{Error: fmt.Errorf("ollama: read stream: %w", err)}
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message *ollamaChatMessage `json:"message"`
	Done    bool               `json:"done"`
	Error   string             `json:"error"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toOllamaMessages flattens the canonical shape: tool_result blocks become
// role=tool messages carrying the originating tool's name.
func toOllamaMessages(req *agent.CompletionRequest) []ollamaChatMessage {
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, use := range msg.ToolUses() {
			toolNames[use.ID] = use.Name
		}
	}

	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		var plain ollamaChatMessage
		plain.Role = msg.Role
		for _, block := range msg.Content {
			switch block.Type {
			case agent.BlockText:
				plain.Content += block.Text
			case agent.BlockToolUse:
				input := block.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				plain.ToolCalls = append(plain.ToolCalls, ollamaToolCall{
					ID:       block.ID,
					Type:     "function",
					Function: ollamaToolFunction{Name: block.Name, Arguments: input},
				})
			case agent.BlockToolResult:
				messages = append(messages, ollamaChatMessage{
					Role:     "tool",
					Content:  block.Content,
					ToolName: toolNames[block.ToolUseID],
				})
			}
		}
		if plain.Content != "" || len(plain.ToolCalls) > 0 {
			messages = append(messages, plain)
		}
	}
	return messages
}

func toolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
