package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 15 * time.Second
	wsMaxBackoff       = 2 * time.Minute
)

// wsEnvelope is the hub's WebSocket frame. The same shape covers auth
// handshake frames, command results, and event pushes.
type wsEnvelope struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Event   *wsEvent        `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type wsEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Events connects to the hub's WebSocket endpoint, subscribes to
// state_changed events, and streams them until ctx is cancelled. Connection
// loss triggers reconnects with exponential backoff; the channel only closes
// on context cancellation.
func (c *RESTClient) Events(ctx context.Context) (<-chan StateChange, error) {
	endpoint, err := c.wsEndpoint()
	if err != nil {
		return nil, err
	}

	out := make(chan StateChange, 64)
	logger := slog.Default().With("component", "hub")

	go func() {
		defer close(out)
		backoff := time.Second
		for {
			err := c.streamEvents(ctx, endpoint, out)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("event stream disconnected", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsMaxBackoff {
				backoff = wsMaxBackoff
			}
		}
	}()

	return out, nil
}

func (c *RESTClient) wsEndpoint() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("hub: invalid base_url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("hub: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/websocket"
	return parsed.String(), nil
}

// streamEvents runs one WebSocket session: auth handshake, subscription,
// then the read loop. Returns when the connection drops or ctx is cancelled.
func (c *RESTClient) streamEvents(ctx context.Context, endpoint string, out chan<- StateChange) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("hub: dial websocket: %w", err)
	}
	defer conn.Close()

	// Close the socket when the context ends so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}

	sub := map[string]any{"id": 1, "type": "subscribe_events", "event_type": "state_changed"}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("hub: subscribe: %w", err)
	}

	for {
		var frame wsEnvelope
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("hub: read frame: %w", err)
		}
		switch frame.Type {
		case "result":
			if frame.Success != nil && !*frame.Success {
				return fmt.Errorf("hub: subscription rejected: %s", frame.Message)
			}
		case "event":
			if frame.Event == nil || frame.Event.EventType != "state_changed" {
				continue
			}
			var change StateChange
			if err := json.Unmarshal(frame.Event.Data, &change); err != nil {
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *RESTClient) authenticate(conn *websocket.Conn) error {
	var hello wsEnvelope
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("hub: read auth challenge: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("hub: unexpected handshake frame %q", hello.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		return fmt.Errorf("hub: send auth: %w", err)
	}
	var reply wsEnvelope
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("hub: read auth reply: %w", err)
	}
	if reply.Type != "auth_ok" {
		return fmt.Errorf("hub: authentication failed: %s", reply.Message)
	}
	return nil
}
