package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/config"
)

// Factory builds drivers from configuration and resolves model selections.
//
// A selection names a driver and optionally a model: "anthropic",
// "ollama/qwen3:30b", "openai:local/gemma-3-27b". The "openai:<name>" form
// picks one of the configured OpenAI-compatible endpoints by name. An empty
// selection resolves to the configured default.
type Factory struct {
	cfg config.ProvidersConfig

	mu    sync.Mutex
	cache map[string]agent.LLMProvider
}

var _ agent.ProviderFactory = (*Factory)(nil)

// NewFactory creates a factory over the configured providers.
func NewFactory(cfg config.ProvidersConfig) *Factory {
	return &Factory{cfg: cfg, cache: make(map[string]agent.LLMProvider)}
}

// Provider resolves a selection to a driver. Drivers are constructed once
// and cached; the model part of the selection is bound into the returned
// provider.
func (f *Factory) Provider(selection string) (agent.LLMProvider, error) {
	selection = strings.TrimSpace(selection)
	if selection == "" {
		selection = f.cfg.Default
	}
	if selection == "" {
		return nil, agent.ErrNoProvider
	}

	driver, model := splitSelection(selection)

	base, err := f.driver(driver)
	if err != nil {
		return nil, err
	}
	if model == "" {
		return base, nil
	}
	return &modelOverride{LLMProvider: base, model: model}, nil
}

func splitSelection(selection string) (driver, model string) {
	if i := strings.IndexByte(selection, '/'); i >= 0 {
		return selection[:i], selection[i+1:]
	}
	return selection, ""
}

func (f *Factory) driver(name string) (agent.LLMProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[name]; ok {
		return p, nil
	}

	var provider agent.LLMProvider
	var err error
	switch {
	case name == "anthropic":
		provider, err = NewAnthropicProvider(AnthropicConfig{
			APIKey:       f.cfg.Anthropic.APIKey,
			BaseURL:      f.cfg.Anthropic.BaseURL,
			DefaultModel: f.cfg.Anthropic.Model,
		})
	case name == "ollama":
		provider = NewOllamaProvider(OllamaConfig{
			Host:         f.cfg.Ollama.Host,
			DefaultModel: f.cfg.Ollama.Model,
		})
	case name == "openai" || strings.HasPrefix(name, "openai:"):
		provider, err = f.openAIDriver(strings.TrimPrefix(name, "openai:"))
	default:
		return nil, fmt.Errorf("%w: %q", agent.ErrNoProvider, name)
	}
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}

	f.cache[name] = provider
	return provider, nil
}

func (f *Factory) openAIDriver(endpoint string) (agent.LLMProvider, error) {
	if len(f.cfg.OpenAI) == 0 {
		return nil, fmt.Errorf("%w: no OpenAI-compatible endpoints configured", agent.ErrNoProvider)
	}
	// Bare "openai" selects the first configured endpoint.
	if endpoint == "" || endpoint == "openai" {
		return newOpenAIFromConfig(f.cfg.OpenAI[0])
	}
	for _, ep := range f.cfg.OpenAI {
		if ep.Name == endpoint {
			return newOpenAIFromConfig(ep)
		}
	}
	return nil, fmt.Errorf("%w: openai endpoint %q", agent.ErrNoProvider, endpoint)
}

func newOpenAIFromConfig(cfg config.OpenAICompatibleConfig) (agent.LLMProvider, error) {
	return NewOpenAIProvider(OpenAIConfig{
		Name:         "openai:" + cfg.Name,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.Model,
	})
}

// modelOverride pins a model onto an underlying driver.
type modelOverride struct {
	agent.LLMProvider
	model string
}

func (m *modelOverride) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req.Model == "" {
		pinned := *req
		pinned.Model = m.model
		req = &pinned
	}
	return m.LLMProvider.Complete(ctx, req)
}

func (m *modelOverride) Models() []string { return []string{m.model} }

// Analyze forwards to the underlying driver when it supports vision.
func (m *modelOverride) Analyze(ctx context.Context, mimeType string, data []byte, prompt string) (string, error) {
	analyzer, ok := m.LLMProvider.(interface {
		Analyze(context.Context, string, []byte, string) (string, error)
	})
	if !ok {
		return "", fmt.Errorf("provider %s does not support image analysis", m.LLMProvider.Name())
	}
	return analyzer.Analyze(ctx, mimeType, data, prompt)
}
