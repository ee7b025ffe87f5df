package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockClient is an in-memory hub used by tests and the evaluation harness.
// States and services are canned; CallService records calls and applies the
// obvious state mutation for turn_on/turn_off so multi-step prompts behave
// plausibly. Events are injected with PushState.
type MockClient struct {
	mu        sync.Mutex
	states    map[string]State
	services  Services
	calls     []ServiceCall
	events    []chan StateChange
	snapshots map[string]mockSnapshot
}

type mockSnapshot struct {
	mimeType string
	data     []byte
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock hub from canned states and services.
func NewMockClient(states []State, services Services) *MockClient {
	m := &MockClient{
		states:   make(map[string]State, len(states)),
		services: services,
	}
	for _, s := range states {
		m.states[s.EntityID] = s
	}
	return m
}

// FetchStates returns the current snapshot.
func (m *MockClient) FetchStates(ctx context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	return out, nil
}

// FetchServices returns the canned service catalog.
func (m *MockClient) FetchServices(ctx context.Context) (Services, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services, nil
}

// CallService records the call and mutates entity state for turn_on/turn_off.
func (m *MockClient) CallService(ctx context.Context, call ServiceCall) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)

	var newState string
	switch call.Service {
	case "turn_on":
		newState = "on"
	case "turn_off":
		newState = "off"
	}
	if newState != "" {
		for _, id := range call.Target.EntityID {
			if s, ok := m.states[id]; ok {
				s.State = newState
				m.states[id] = s
			}
		}
	}
	return json.RawMessage(`null`), nil
}

// Events returns a channel that receives states pushed via PushState.
func (m *MockClient) Events(ctx context.Context) (<-chan StateChange, error) {
	ch := make(chan StateChange, 64)
	m.mu.Lock()
	m.events = append(m.events, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, c := range m.events {
			if c == ch {
				m.events = append(m.events[:i], m.events[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// PushState updates an entity and emits a state_changed event to all
// subscribers.
func (m *MockClient) PushState(entityID, state string) {
	m.mu.Lock()
	old, had := m.states[entityID]
	next := State{EntityID: entityID, State: state}
	if had {
		next.Attributes = old.Attributes
	}
	m.states[entityID] = next
	subs := make([]chan StateChange, len(m.events))
	copy(subs, m.events)
	m.mu.Unlock()

	change := StateChange{EntityID: entityID, NewState: &next}
	if had {
		oldCopy := old
		change.OldState = &oldCopy
	}
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// SetSnapshot installs a canned camera frame for CameraSnapshot.
func (m *MockClient) SetSnapshot(entityID, mimeType string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots == nil {
		m.snapshots = make(map[string]mockSnapshot)
	}
	m.snapshots[entityID] = mockSnapshot{mimeType: mimeType, data: data}
}

// CameraSnapshot returns the canned frame for an entity.
func (m *MockClient) CameraSnapshot(ctx context.Context, entityID string) (string, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[entityID]
	if !ok {
		return "", nil, fmt.Errorf("hub: no snapshot for %s", entityID)
	}
	return snap.mimeType, snap.data, nil
}

// Calls returns the recorded service calls.
func (m *MockClient) Calls() []ServiceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceCall, len(m.calls))
	copy(out, m.calls)
	return out
}
