// Package hub provides the client for the home-automation hub: REST calls
// for states, services, and service invocation, and a WebSocket stream of
// state-change events.
package hub

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// State is one entity state snapshot as reported by the hub.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed,omitempty"`
	LastUpdated time.Time      `json:"last_updated,omitempty"`
}

// Domain returns the entity's domain prefix ("light" for "light.kitchen").
func (s State) Domain() string {
	return EntityDomain(s.EntityID)
}

// FriendlyName returns the friendly_name attribute, or the entity id.
func (s State) FriendlyName() string {
	if v, ok := s.Attributes["friendly_name"].(string); ok && v != "" {
		return v
	}
	return s.EntityID
}

// EntityDomain returns the domain prefix of an entity id.
func EntityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}

// Service describes one callable hub service.
type Service struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Services maps domain -> service name -> definition.
type Services map[string]map[string]Service

// Target addresses the entities a service call applies to.
type Target struct {
	EntityID []string `json:"entity_id,omitempty"`
}

// ServiceCall is one service invocation.
type ServiceCall struct {
	Domain         string         `json:"domain"`
	Service        string         `json:"service"`
	Target         Target         `json:"target,omitempty"`
	Data           map[string]any `json:"service_data,omitempty"`
	ReturnResponse bool           `json:"return_response,omitempty"`
}

// StateChange is one state_changed event from the hub's event stream.
type StateChange struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// Snapshotter fetches camera snapshots. Implemented by RESTClient and the
// mock; separate from Client because only the vision tools need it.
type Snapshotter interface {
	// CameraSnapshot returns one frame from a camera entity.
	CameraSnapshot(ctx context.Context, entityID string) (mimeType string, data []byte, err error)
}

// Client is the hub surface the runtime consumes. Implementations: the
// WebSocket/REST client in this package, and the mock fixture used by the
// evaluation harness.
type Client interface {
	// FetchStates returns a snapshot of every entity state.
	FetchStates(ctx context.Context) ([]State, error)

	// FetchServices returns the service catalog grouped by domain.
	FetchServices(ctx context.Context) (Services, error)

	// CallService invokes a service; the response may be null.
	CallService(ctx context.Context, call ServiceCall) (json.RawMessage, error)

	// Events returns a stream of state changes. The channel closes when the
	// context is cancelled or the connection is lost beyond recovery.
	Events(ctx context.Context) (<-chan StateChange, error)
}
