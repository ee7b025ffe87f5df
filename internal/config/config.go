// Package config loads and validates the Hearth configuration file.
//
// The configuration is a YAML (or JSON5) document with sections for the hub
// connection, the notebook directory, the database file, the timezone, the
// runtime knobs, and one or more LLM provider credentials. Files may pull in
// other files with an $include directive, and environment variables are
// expanded before parsing.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// Config is the root configuration for the Hearth runtime.
type Config struct {
	// Hub configures the home-automation hub connection.
	Hub HubConfig `yaml:"hub"`

	// Notebook is the directory holding automations/, cues/, and memory.md.
	Notebook NotebookConfig `yaml:"notebook"`

	// Database configures the embedded SQLite signal store.
	Database DatabaseConfig `yaml:"database"`

	// Timezone is the IANA timezone name cron expressions are evaluated in.
	// Defaults to the system local timezone.
	Timezone string `yaml:"timezone"`

	// Runtime holds scheduler and tool-loop knobs.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Providers configures LLM drivers and credentials.
	Providers ProvidersConfig `yaml:"providers"`

	// Server configures the supporting HTTP surface (port only; the
	// front-end itself lives outside this repository).
	Server ServerConfig `yaml:"server"`
}

// HubConfig configures the hub WebSocket/REST client.
type HubConfig struct {
	// BaseURL is the hub's HTTP base URL, e.g. http://homeassistant.local:8123.
	BaseURL string `yaml:"base_url"`

	// Token is the long-lived access token.
	Token string `yaml:"token"`

	// Timeout bounds individual REST calls. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// NotebookConfig locates the automation notebook on disk.
type NotebookConfig struct {
	// Path is the notebook root directory. Default: ./notebook.
	Path string `yaml:"path"`
}

// DatabaseConfig locates the embedded store.
type DatabaseConfig struct {
	// Path is the SQLite database file. Default: hearth.db next to the notebook.
	Path string `yaml:"path"`
}

// RuntimeConfig holds tool-loop and scheduler tuning.
type RuntimeConfig struct {
	// MaxIterations limits tool-use rounds per loop invocation. Default: 10.
	MaxIterations int `yaml:"max_iterations"`

	// ToolTimeout bounds each tool call. Default: 60s.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// ProviderTimeout bounds each model call. Default: 5m.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// Workers sizes the job worker pool. Default: max(2, GOMAXPROCS).
	Workers int `yaml:"workers"`

	// QueueDepth bounds the per-automation pending event queue. Default: 16.
	QueueDepth int `yaml:"queue_depth"`

	// ShutdownGrace is how long in-flight jobs get on SIGINT/SIGTERM. Default: 5s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// TestMode makes call-service validate and log without contacting the hub.
	TestMode bool `yaml:"test_mode"`
}

// ProvidersConfig configures the available LLM drivers. Multiple
// OpenAI-compatible endpoints are permitted; each is addressed by name.
type ProvidersConfig struct {
	// Default selects the driver used when an automation has no model
	// directive, as "driver" or "driver/model" (e.g. "anthropic",
	// "ollama/qwen3", "openai:groq/llama-3.3-70b").
	Default string `yaml:"default"`

	Anthropic AnthropicConfig          `yaml:"anthropic"`
	Ollama    OllamaConfig             `yaml:"ollama"`
	OpenAI    []OpenAICompatibleConfig `yaml:"openai"`

	// Vision selects the secondary model used by the image analysis tool,
	// as "driver/model". Empty disables the vision tools.
	Vision string `yaml:"vision"`
}

// AnthropicConfig configures the Anthropic driver.
type AnthropicConfig struct {
	// APIKey falls back to $ANTHROPIC_API_KEY when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint (optional).
	BaseURL string `yaml:"base_url"`

	// Model is the default model id.
	Model string `yaml:"model"`
}

// OllamaConfig configures the Ollama driver.
type OllamaConfig struct {
	// Host falls back to $OLLAMA_HOST, then http://localhost:11434.
	Host string `yaml:"host"`

	// Model is the default model id.
	Model string `yaml:"model"`
}

// OpenAICompatibleConfig configures one OpenAI-compatible endpoint.
type OpenAICompatibleConfig struct {
	// Name addresses this endpoint in model directives, e.g. "openai:groq".
	Name string `yaml:"name"`

	// BaseURL is the endpoint root; empty means api.openai.com.
	BaseURL string `yaml:"base_url"`

	// APIKey falls back to $OPENAI_<NAME>_KEY, then $OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// Model is the default model id.
	Model string `yaml:"model"`
}

// ServerConfig configures the supporting HTTP listener.
type ServerConfig struct {
	// Port falls back to $PORT, then 8423.
	Port int `yaml:"port"`
}

// Load reads, merges, decodes, and validates the configuration at path.
func Load(path string) (*Config, error) {
	doc, err := loadMerged(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(doc)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath resolves the config file path from the environment.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("HEARTH_CONFIG")); p != "" {
		return p
	}
	return "hearth.yaml"
}

func (c *Config) applyDefaults() {
	if c.Hub.Timeout <= 0 {
		c.Hub.Timeout = 10 * time.Second
	}
	if strings.TrimSpace(c.Notebook.Path) == "" {
		c.Notebook.Path = "notebook"
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = "hearth.db"
	}
	if c.Runtime.MaxIterations <= 0 {
		c.Runtime.MaxIterations = 10
	}
	if c.Runtime.ToolTimeout <= 0 {
		c.Runtime.ToolTimeout = 60 * time.Second
	}
	if c.Runtime.ProviderTimeout <= 0 {
		c.Runtime.ProviderTimeout = 5 * time.Minute
	}
	if c.Runtime.Workers <= 0 {
		c.Runtime.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Runtime.Workers < 2 {
		c.Runtime.Workers = 2
	}
	if c.Runtime.QueueDepth <= 0 {
		c.Runtime.QueueDepth = 16
	}
	if c.Runtime.ShutdownGrace <= 0 {
		c.Runtime.ShutdownGrace = 5 * time.Second
	}
	if c.Providers.Anthropic.APIKey == "" {
		c.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Providers.Ollama.Host == "" {
		c.Providers.Ollama.Host = os.Getenv("OLLAMA_HOST")
	}
	for i := range c.Providers.OpenAI {
		ep := &c.Providers.OpenAI[i]
		if ep.APIKey == "" {
			envKey := "OPENAI_" + strings.ToUpper(strings.TrimPrefix(ep.Name, "openai:")) + "_KEY"
			ep.APIKey = os.Getenv(envKey)
		}
		if ep.APIKey == "" {
			ep.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if c.Server.Port <= 0 {
		if p := parsePort(os.Getenv("PORT")); p > 0 {
			c.Server.Port = p
		} else {
			c.Server.Port = 8423
		}
	}
	if strings.TrimSpace(c.Providers.Default) == "" {
		c.Providers.Default = "anthropic"
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
		}
	}
	seen := map[string]bool{}
	for _, ep := range c.Providers.OpenAI {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			return fmt.Errorf("config: openai endpoint missing name")
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate openai endpoint name %q", name)
		}
		seen[name] = true
	}
	return nil
}

// Location returns the configured timezone, falling back to the system local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func parsePort(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var p int
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil {
		return 0
	}
	return p
}
