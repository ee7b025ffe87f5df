package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultMaxIterations bounds how many completion rounds one
	// conversation may run before the loop gives up on fixpoint.
	DefaultMaxIterations = 10

	// DefaultProviderTimeout bounds each provider API call.
	DefaultProviderTimeout = 5 * time.Minute
)

// Event is one element of the loop's output stream: a transcript message,
// or a terminal error. After an Event with Err set, the channel closes.
type Event struct {
	Message *MessageParam
	Err     error
}

// Loop drives one model conversation to fixpoint against a tool registry.
type Loop struct {
	provider        LLMProvider
	registry        *Registry
	system          string
	model           string
	maxIterations   int
	providerTimeout time.Duration
	logger          *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithSystemPrompt sets the system prompt prefix for every completion.
func WithSystemPrompt(system string) LoopOption {
	return func(l *Loop) { l.system = system }
}

// WithModel overrides the driver's default model.
func WithModel(model string) LoopOption {
	return func(l *Loop) { l.model = model }
}

// WithMaxIterations overrides the completion round budget.
func WithMaxIterations(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithProviderTimeout overrides the per-call provider timeout.
func WithProviderTimeout(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.providerTimeout = d
		}
	}
}

// WithLoopLogger overrides the loop logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoop creates a loop over a provider and a tool registry.
func NewLoop(provider LLMProvider, registry *Registry, opts ...LoopOption) *Loop {
	l := &Loop{
		provider:        provider,
		registry:        registry,
		maxIterations:   DefaultMaxIterations,
		providerTimeout: DefaultProviderTimeout,
		logger:          slog.Default().With("component", "agent"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the conversation and streams every message in order: the
// user prompt, each assistant response, each tool-result message. The
// stream ends when the model stops calling tools, the iteration budget
// runs out (with ErrMaxIterations as the terminal event), or the provider
// times out twice in a row. Cancelling ctx
// abandons the conversation; in-flight provider and tool calls are
// cancelled with it.
func (l *Loop) Run(ctx context.Context, userPrompt string, previous []MessageParam) <-chan Event {
	out := make(chan Event, 4)
	go func() {
		defer close(out)
		l.run(ctx, userPrompt, previous, out)
	}()
	return out
}

// Collect drains Run into a transcript. The transcript accumulated before
// a terminal error is returned alongside it.
func (l *Loop) Collect(ctx context.Context, userPrompt string, previous []MessageParam) ([]MessageParam, error) {
	var transcript []MessageParam
	for ev := range l.Run(ctx, userPrompt, previous) {
		if ev.Err != nil {
			return transcript, ev.Err
		}
		if ev.Message != nil {
			transcript = append(transcript, *ev.Message)
		}
	}
	return transcript, nil
}

func (l *Loop) run(ctx context.Context, userPrompt string, previous []MessageParam, out chan<- Event) {
	messages := make([]MessageParam, 0, len(previous)+2)
	messages = append(messages, previous...)

	userMsg := TextMessage(RoleUser, userPrompt)
	messages = append(messages, userMsg)
	if !emit(ctx, out, &userMsg) {
		return
	}

	seq := 0
	timeouts := 0
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		assistant, err := l.complete(ctx, messages, &seq)
		if err != nil {
			if isTimeout(ctx, err) {
				timeouts++
				l.logger.Warn("provider call timed out", "iteration", iteration, "consecutive", timeouts)
				synthetic := TextMessage(RoleAssistant, "model timed out")
				messages = append(messages, synthetic)
				if !emit(ctx, out, &synthetic) {
					return
				}
				if timeouts >= 2 {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			emit(ctx, out, nil, &LoopError{Phase: PhaseProvider, Iteration: iteration, Cause: err})
			return
		}
		timeouts = 0

		messages = append(messages, *assistant)
		if !emit(ctx, out, assistant) {
			return
		}

		uses := assistant.ToolUses()
		if len(uses) == 0 {
			return
		}

		// One user message carries every result, paired by tool_use_id.
		results := MessageParam{Role: RoleUser, Content: make([]ContentBlock, 0, len(uses))}
		for _, use := range uses {
			res := l.registry.Call(ctx, use.Name, use.Input)
			results.Content = append(results.Content, ContentBlock{
				Type:      BlockToolResult,
				ToolUseID: use.ID,
				Content:   res.Content,
				IsError:   res.IsError,
			})
		}
		messages = append(messages, results)
		if !emit(ctx, out, &results) {
			return
		}
	}

	l.logger.Warn("iteration budget exhausted", "max", l.maxIterations)
	emit(ctx, out, nil, ErrMaxIterations)
}

// complete runs one provider call and folds the chunk stream into an
// assistant message. Tool calls missing a native id get a synthetic
// "tu_<n>" id so results can be paired positionally.
func (l *Loop) complete(ctx context.Context, messages []MessageParam, seq *int) (*MessageParam, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.providerTimeout)
	defer cancel()

	req := &CompletionRequest{
		Model:    l.model,
		System:   l.system,
		Messages: messages,
		Tools:    l.registry.Definitions(),
	}
	chunks, err := l.provider.Complete(callCtx, req)
	if err != nil {
		return nil, err
	}

	assistant := MessageParam{Role: RoleAssistant}
	var text string
	flushText := func() {
		if text != "" {
			assistant.Content = append(assistant.Content, ContentBlock{Type: BlockText, Text: text})
			text = ""
		}
	}

	for {
		select {
		case <-callCtx.Done():
			return nil, callCtx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				flushText()
				return &assistant, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.Text != "" {
				text += chunk.Text
			}
			if chunk.ToolCall != nil {
				flushText()
				id := chunk.ToolCall.ID
				if id == "" {
					id = fmt.Sprintf("tu_%d", *seq)
				}
				*seq++
				assistant.Content = append(assistant.Content, ContentBlock{
					Type:  BlockToolUse,
					ID:    id,
					Name:  chunk.ToolCall.Name,
					Input: chunk.ToolCall.Input,
				})
			}
			if chunk.Done {
				flushText()
				return &assistant, nil
			}
		}
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

func emit(ctx context.Context, out chan<- Event, msg *MessageParam, errs ...error) bool {
	ev := Event{Message: msg}
	if len(errs) > 0 {
		ev.Err = errs[0]
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
