package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearthd/hearth/internal/runtime"
	"github.com/hearthd/hearth/internal/store"
)

// startStatusServer serves /healthz, /api/status, and cue invocation for
// probes and dashboards. It returns a stop function that drains the
// listener.
func startStatusServer(ctx context.Context, port int, st *store.Store, rt *runtime.Runtime) func() {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           statusMux(st, rt),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("status server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	slog.Info("status server listening", "port", port)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
}

func statusMux(st *store.Store, rt *runtime.Runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		signals, err := st.AliveSignals(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		automations := map[string]bool{}
		for _, sig := range signals {
			automations[sig.AutomationHash] = true
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version":      version,
			"commit":       commit,
			"aliveSignals": len(signals),
			"automations":  len(automations),
		})
	})
	mux.HandleFunc("POST /api/cues/{name}", func(w http.ResponseWriter, r *http.Request) {
		if rt == nil {
			http.Error(w, "engine not running", http.StatusServiceUnavailable)
			return
		}
		if err := rt.RunCue(r.Context(), r.PathValue("name")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	return mux
}
