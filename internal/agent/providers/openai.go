package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hearthd/hearth/internal/agent"
)

// OpenAIConfig configures one OpenAI-compatible endpoint. Name distinguishes
// multiple endpoints (for example a local llama.cpp next to the hosted API).
type OpenAIConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIProvider implements agent.LLMProvider over the chat completions API.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

var _ agent.LLMProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a driver for one OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key or base_url is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "openai"
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         name,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name returns the endpoint name from config, "openai" by default.
func (p *OpenAIProvider) Name() string { return p.name }

// Models returns the configured default model, if any.
func (p *OpenAIProvider) Models() []string {
	if p.defaultModel == "" {
		return nil
	}
	return []string{p.defaultModel}
}

// Complete sends a streaming chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("%s: model is required", p.name)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req),
		Tools:    toOpenAITools(req.Tools),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var stream *openai.ChatCompletionStream
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		if attempt < p.maxRetries {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: max retries exceeded: %w", p.name, err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

// processStream folds deltas into chunks. Tool call arguments arrive as
// string fragments keyed by index; complete calls are flushed when the
// stream finishes or a new index starts.
func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, out chan<- *agent.CompletionChunk) {
	defer close(out)
	defer stream.Close()

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	var pending []*pendingCall

	flush := func() {
		for _, call := range pending {
			input := call.args.String()
			if input == "" {
				input = "{}"
			}
			out <- &agent.CompletionChunk{ToolCall: &agent.ToolCall{
				ID:    call.id,
				Name:  call.name,
				Input: json.RawMessage(input),
			}}
		}
		pending = nil
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			out <- &agent.CompletionChunk{Done: true}
			return
		}
		if err != nil {
			out <- &agent.CompletionChunk{Error: fmt.Errorf("%s: stream: %w", p.name, err)}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			out <- &agent.CompletionChunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for idx >= len(pending) {
				pending = append(pending, &pendingCall{})
			}
			call := pending[idx]
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// toOpenAIMessages flattens the canonical shape: assistant tool_use blocks
// become ToolCalls, tool_result blocks become role=tool messages.
func toOpenAIMessages(req *agent.CompletionRequest) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range req.Messages {
		plain := openai.ChatCompletionMessage{Role: msg.Role}
		for _, block := range msg.Content {
			switch block.Type {
			case agent.BlockText:
				plain.Content += block.Text
			case agent.BlockToolUse:
				plain.ToolCalls = append(plain.ToolCalls, openai.ToolCall{
					ID:   block.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.Name,
						Arguments: string(block.Input),
					},
				})
			case agent.BlockToolResult:
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.Content,
					ToolCallID: block.ToolUseID,
				})
			}
		}
		if plain.Content != "" || len(plain.ToolCalls) > 0 {
			result = append(result, plain)
		}
	}
	return result
}

func toOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return result
}
