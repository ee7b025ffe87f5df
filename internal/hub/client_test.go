package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_FetchStates(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/states" {
			t.Fatalf("path=%s want /api/states", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
  {"entity_id":"light.kitchen","state":"on","attributes":{"friendly_name":"Kitchen"}},
  {"entity_id":"sensor.temp","state":"21.5","attributes":{}}
]`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "token", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	states, err := client.FetchStates(context.Background())
	if err != nil {
		t.Fatalf("FetchStates: %v", err)
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("Authorization=%q want %q", gotAuth, "Bearer token")
	}
	if len(states) != 2 {
		t.Fatalf("len(states)=%d want 2", len(states))
	}
	if states[0].FriendlyName() != "Kitchen" {
		t.Errorf("FriendlyName=%q want Kitchen", states[0].FriendlyName())
	}
	if states[0].Domain() != "light" {
		t.Errorf("Domain=%q want light", states[0].Domain())
	}
}

func TestClient_FetchServices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/services" {
			t.Fatalf("path=%s want /api/services", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
  {"domain":"light","services":{"turn_on":{"name":"Turn on"},"turn_off":{"name":"Turn off"}}},
  {"domain":"climate","services":{"set_temperature":{"name":"Set temperature"}}}
]`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "token"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	services, err := client.FetchServices(context.Background())
	if err != nil {
		t.Fatalf("FetchServices: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("len(services)=%d want 2", len(services))
	}
	if _, ok := services["light"]["turn_off"]; !ok {
		t.Errorf("missing light.turn_off")
	}
}

func TestClient_CallService(t *testing.T) {
	t.Parallel()

	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			t.Fatalf("method=%s want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`null`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "token"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.CallService(context.Background(), ServiceCall{
		Domain:  "light",
		Service: "turn_off",
		Target:  Target{EntityID: []string{"light.kitchen"}},
		Data:    map[string]any{"transition": 2},
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if gotPath != "/api/services/light/turn_off" {
		t.Fatalf("path=%q", gotPath)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(gotBody), &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["transition"] != float64(2) {
		t.Errorf("transition=%v want 2", payload["transition"])
	}
	entities, ok := payload["entity_id"].([]any)
	if !ok || len(entities) != 1 || entities[0] != "light.kitchen" {
		t.Errorf("entity_id=%v want [light.kitchen]", payload["entity_id"])
	}
}

func TestClient_RejectsMissingConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{Token: "t"}); err == nil {
		t.Error("expected error for missing base_url")
	}
	if _, err := NewClient(Config{BaseURL: "http://hub.local"}); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := NewClient(Config{BaseURL: "ftp://hub.local", Token: "t"}); err == nil {
		t.Error("expected error for bad scheme")
	}
}

func TestMockClient_CallServiceMutatesState(t *testing.T) {
	t.Parallel()

	mock := NewMockClient([]State{
		{EntityID: "light.kitchen", State: "on"},
	}, Services{"light": {"turn_off": Service{Name: "Turn off"}}})

	_, err := mock.CallService(context.Background(), ServiceCall{
		Domain:  "light",
		Service: "turn_off",
		Target:  Target{EntityID: []string{"light.kitchen"}},
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}

	states, _ := mock.FetchStates(context.Background())
	if states[0].State != "off" {
		t.Errorf("state=%q want off", states[0].State)
	}
	if calls := mock.Calls(); len(calls) != 1 || calls[0].Service != "turn_off" {
		t.Errorf("calls=%v", calls)
	}
}

func TestMockClient_PushStateEmitsEvent(t *testing.T) {
	t.Parallel()

	mock := NewMockClient([]State{{EntityID: "binary_sensor.front_door", State: "closed"}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := mock.Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	mock.PushState("binary_sensor.front_door", "open")

	select {
	case ev := <-events:
		if ev.EntityID != "binary_sensor.front_door" {
			t.Errorf("entity=%q", ev.EntityID)
		}
		if ev.NewState == nil || ev.NewState.State != "open" {
			t.Errorf("new state=%v", ev.NewState)
		}
		if ev.OldState == nil || ev.OldState.State != "closed" {
			t.Errorf("old state=%v", ev.OldState)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
