// Package hubtools exposes the hub to the execution pass: entity and
// service discovery plus call-service. A Suite is scoped to one execution
// log so every service call is recorded against its transcript.
package hubtools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/store"
)

// Suite is the execution tool server for one automation run.
type Suite struct {
	hub      hub.Client
	store    *store.Store
	logID    int64
	testMode bool
	logger   *slog.Logger

	mu       sync.Mutex
	states   []hub.State
	services hub.Services
}

// Option configures a Suite.
type Option func(*Suite)

// WithTestMode validates call-service arguments without touching the hub.
func WithTestMode(enabled bool) Option {
	return func(s *Suite) { s.testMode = enabled }
}

// WithLogger overrides the suite logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Suite) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSuite creates the execution tools. Service calls are recorded against
// logID; pass a store of nil to skip recording (evals).
func NewSuite(client hub.Client, st *store.Store, logID int64, opts ...Option) *Suite {
	s := &Suite{
		hub:    client,
		store:  st,
		logID:  logID,
		logger: slog.Default().With("component", "hubtools"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tools returns the suite's tool set.
func (s *Suite) Tools() []agent.Tool {
	return []agent.Tool{
		&allEntitiesTool{s},
		&entitiesByPrefixTool{s},
		&listDomainsTool{s},
		&servicesForDomainTool{s},
		&callServiceTool{s},
	}
}

// fetchStates caches the first snapshot for the lifetime of the run.
func (s *Suite) fetchStates(ctx context.Context) ([]hub.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		states, err := s.hub.FetchStates(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
		s.states = states
	}
	return s.states, nil
}

func (s *Suite) fetchServices(ctx context.Context) (hub.Services, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.services == nil {
		services, err := s.hub.FetchServices(ctx)
		if err != nil {
			return nil, err
		}
		s.services = services
	}
	return s.services, nil
}

func formatStates(states []hub.State) string {
	var b strings.Builder
	for _, st := range states {
		fmt.Fprintf(&b, "%s: %s", st.EntityID, st.State)
		if name := st.FriendlyName(); name != st.EntityID {
			fmt.Fprintf(&b, " (%s)", name)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

type allEntitiesTool struct{ suite *Suite }

func (t *allEntitiesTool) Name() string { return "get-all-entities" }
func (t *allEntitiesTool) Description() string {
	return "List every entity with its current state and friendly name."
}
func (t *allEntitiesTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`)
}

func (t *allEntitiesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	states, err := t.suite.fetchStates(ctx)
	if err != nil {
		return toolError("fetch states", err.Error()), nil
	}
	if len(states) == 0 {
		return textResult("no entities"), nil
	}
	return textResult(formatStates(states)), nil
}

type entitiesByPrefixTool struct{ suite *Suite }

func (t *entitiesByPrefixTool) Name() string { return "get-entities-by-prefix" }
func (t *entitiesByPrefixTool) Description() string {
	return "List entities whose id starts with the given prefix, e.g. \"light.\" or \"sensor.bedroom\"."
}
func (t *entitiesByPrefixTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "prefix": { "type": "string", "minLength": 1 }
  },
  "required": ["prefix"],
  "additionalProperties": false
}`)
}

func (t *entitiesByPrefixTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Prefix string `json:"prefix"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	states, err := t.suite.fetchStates(ctx)
	if err != nil {
		return toolError("fetch states", err.Error()), nil
	}
	var matched []hub.State
	for _, st := range states {
		if strings.HasPrefix(st.EntityID, input.Prefix) {
			matched = append(matched, st)
		}
	}
	if len(matched) == 0 {
		return textResult(fmt.Sprintf("no entities with prefix %q", input.Prefix)), nil
	}
	return textResult(formatStates(matched)), nil
}

type listDomainsTool struct{ suite *Suite }

func (t *listDomainsTool) Name() string { return "list-service-domains" }
func (t *listDomainsTool) Description() string {
	return "List the service domains the hub exposes, e.g. light, switch, climate."
}
func (t *listDomainsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`)
}

func (t *listDomainsTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	services, err := t.suite.fetchServices(ctx)
	if err != nil {
		return toolError("fetch services", err.Error()), nil
	}
	domains := make([]string, 0, len(services))
	for domain := range services {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return textResult(strings.Join(domains, "\n")), nil
}

type servicesForDomainTool struct{ suite *Suite }

func (t *servicesForDomainTool) Name() string { return "get-services-for-domain" }
func (t *servicesForDomainTool) Description() string {
	return "Describe the services of one domain, including their fields."
}
func (t *servicesForDomainTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "domain": { "type": "string", "minLength": 1 }
  },
  "required": ["domain"],
  "additionalProperties": false
}`)
}

func (t *servicesForDomainTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	services, err := t.suite.fetchServices(ctx)
	if err != nil {
		return toolError("fetch services", err.Error()), nil
	}
	domain, ok := services[input.Domain]
	if !ok {
		return toolError("unknown domain", fmt.Sprintf("no services for domain %q", input.Domain)), nil
	}
	return jsonResult(domain)
}

type callServiceTool struct{ suite *Suite }

func (t *callServiceTool) Name() string { return "call-service" }
func (t *callServiceTool) Description() string {
	return "Call a hub service on one or more entities, e.g. domain \"light\", service \"turn_on\", entityIds [\"light.kitchen\"]."
}
func (t *callServiceTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "domain": { "type": "string", "minLength": 1 },
    "service": { "type": "string", "minLength": 1 },
    "entityIds": { "type": "array", "items": { "type": "string" }, "minItems": 1 },
    "data": { "type": "object", "description": "Service-specific fields, e.g. brightness or temperature." }
  },
  "required": ["domain", "service", "entityIds"],
  "additionalProperties": false
}`)
}

func (t *callServiceTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Domain    string         `json:"domain"`
		Service   string         `json:"service"`
		EntityIDs []string       `json:"entityIds"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters", err.Error()), nil
	}
	if len(input.EntityIDs) == 0 {
		return toolError("invalid parameters", "entityIds must not be empty"), nil
	}
	for _, id := range input.EntityIDs {
		if domain := hub.EntityDomain(id); domain != input.Domain {
			return toolError("domain mismatch",
				fmt.Sprintf("entity %q does not belong to domain %q", id, input.Domain)), nil
		}
	}

	suite := t.suite
	service := input.Domain + "." + input.Service
	target := strings.Join(input.EntityIDs, ",")
	if suite.store != nil {
		if err := suite.store.RecordServiceCall(ctx, suite.logID, service, target, input.Data); err != nil {
			suite.logger.Warn("service call not recorded", "service", service, "error", err)
		}
	}

	// Test mode stops at validation so evals never mutate a real hub.
	if suite.testMode {
		return textResult(fmt.Sprintf("ok (test mode): %s on %s", service, target)), nil
	}

	response, err := suite.hub.CallService(ctx, hub.ServiceCall{
		Domain:  input.Domain,
		Service: input.Service,
		Target:  hub.Target{EntityID: input.EntityIDs},
		Data:    input.Data,
	})
	if err != nil {
		return toolError("service call failed", err.Error()), nil
	}
	suite.logger.Info("service called", "service", service, "target", target)
	if len(response) == 0 || string(response) == "null" {
		return textResult(fmt.Sprintf("ok: %s on %s", service, target)), nil
	}
	return textResult(string(response)), nil
}

func textResult(text string) *agent.ToolResult {
	return &agent.ToolResult{Content: text}
}

func jsonResult(payload any) (*agent.ToolResult, error) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &agent.ToolResult{Content: string(encoded)}, nil
}

func toolError(message, detail string) *agent.ToolResult {
	encoded, err := json.Marshal(map[string]string{"error": message, "detail": detail})
	if err != nil {
		return &agent.ToolResult{Content: message + ": " + detail, IsError: true}
	}
	return &agent.ToolResult{Content: string(encoded), IsError: true}
}
