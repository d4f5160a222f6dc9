package common

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/arl/statsviz"
)

// HealthServer exposes liveness/readiness probes plus a statsviz debug
// endpoint on a side port, separate from any application traffic.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer constructs the probe server. The ready flag is flipped by
// main once all components are wired; until then readiness returns 503.
func NewHealthServer(addr string, ready *atomic.Bool, enableStatsviz bool) *HealthServer {
	mux := http.NewServeMux()

	hs := &HealthServer{
		server: &http.Server{Addr: addr, Handler: mux},
		ready:  ready,
	}

	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)
	if enableStatsviz {
		_ = statsviz.Register(mux)
	}

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The probe server failing is not fatal to the pipeline.
			return
		}
	}()

	return hs
}

// Server returns the underlying http server for shutdown control.
func (hs *HealthServer) Server() *http.Server { return hs.server }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !hs.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
