package server

import (
	"net/http"

	"github.com/fitforge/agentcache/internal/metrics"
)

// NewRouter wires the API handler and the metrics endpoint into one mux.
func NewRouter(h *Handler, recorder *metrics.Recorder) http.Handler {
	if h == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "handler unavailable", http.StatusServiceUnavailable)
		})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/respond", h.Respond)
	mux.HandleFunc("GET /v1/cache/stats", h.Stats)
	mux.HandleFunc("POST /v1/cache/invalidate", h.Invalidate)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", recorder.Handler())
	return mux
}
