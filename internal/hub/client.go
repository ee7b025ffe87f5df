package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = int64(4 << 20) // 4MB; /api/states on a large hub is big
)

// Config configures the hub client.
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// RESTClient talks to the hub's REST API and WebSocket event endpoint.
type RESTClient struct {
	baseURL  string
	token    string
	client   *http.Client
	maxBytes int64
}

var _ Client = (*RESTClient)(nil)

// NewClient creates a hub client.
func NewClient(cfg Config) (*RESTClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("hub: base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed == nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return nil, fmt.Errorf("hub: invalid base_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("hub: base_url scheme must be http or https")
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("hub: token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}

	return &RESTClient{
		baseURL:  baseURL,
		token:    token,
		client:   client,
		maxBytes: maxBytes,
	}, nil
}

// FetchStates returns all entity states (GET /api/states).
func (c *RESTClient) FetchStates(ctx context.Context) ([]State, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/states", nil)
	if err != nil {
		return nil, err
	}
	var states []State
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("hub: decode states: %w", err)
	}
	return states, nil
}

// FetchServices returns the service catalog (GET /api/services).
//
// The hub reports services as an array of {domain, services} objects; this
// flattens them into the Services map.
func (c *RESTClient) FetchServices(ctx context.Context) (Services, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/services", nil)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Domain   string             `json:"domain"`
		Services map[string]Service `json:"services"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("hub: decode services: %w", err)
	}
	out := make(Services, len(entries))
	for _, e := range entries {
		if e.Domain == "" {
			continue
		}
		out[e.Domain] = e.Services
	}
	return out, nil
}

// CallService invokes a service (POST /api/services/{domain}/{service}).
func (c *RESTClient) CallService(ctx context.Context, call ServiceCall) (json.RawMessage, error) {
	domain := strings.TrimSpace(call.Domain)
	service := strings.TrimSpace(call.Service)
	if domain == "" || service == "" {
		return nil, fmt.Errorf("hub: domain and service are required")
	}

	payload := map[string]any{}
	for k, v := range call.Data {
		payload[k] = v
	}
	if len(call.Target.EntityID) > 0 {
		payload["entity_id"] = call.Target.EntityID
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("hub: encode service_data: %w", err)
	}

	endpoint := c.baseURL + "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	if call.ReturnResponse {
		endpoint += "?return_response"
	}
	return c.doJSON(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
}

// CameraSnapshot fetches one frame (GET /api/camera_proxy/{entity_id}).
func (c *RESTClient) CameraSnapshot(ctx context.Context, entityID string) (string, []byte, error) {
	if strings.TrimSpace(entityID) == "" {
		return "", nil, fmt.Errorf("hub: entity id is required")
	}
	endpoint := c.baseURL + "/api/camera_proxy/" + url.PathEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", nil, fmt.Errorf("hub: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("hub: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("hub: read snapshot: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return "", nil, fmt.Errorf("hub: snapshot too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("hub: %s", resp.Status)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return mimeType, data, nil
}

func (c *RESTClient) doJSON(ctx context.Context, method, endpoint string, body io.Reader) (json.RawMessage, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("hub: client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("hub: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub: request failed: %w", err)
	}
	defer resp.Body.Close()

	limit := c.maxBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("hub: read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("hub: response too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("hub: %s", msg)
	}

	return json.RawMessage(data), nil
}
