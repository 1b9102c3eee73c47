package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nucosen/broadcast/orchestrator"
	"github.com/nucosen/broadcast/queue"
	"github.com/nucosen/broadcast/telemetry"
)

// Handlers carries the dependencies shared by all HTTP endpoints.
type Handlers struct {
	DB    *sql.DB
	Orch  *orchestrator.Orchestrator
	Queue *queue.Store
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports readiness: the database answers and the orchestrator
// has made it past its first state transition.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.DB.PingContext(r.Context()) }},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not_ready",
				"check":  check.name,
				"error":  err.Error(),
			})
			return
		}
	}
	if h.Orch.Status().State == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "not_ready",
			"check":  "orchestrator",
			"error":  "no state transition yet",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns the orchestrator snapshot plus the queue depth.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := h.Queue.Depth(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := struct {
		orchestrator.Status
		QueueDepth     int  `json:"queue_depth"`
		TracingEnabled bool `json:"tracing_enabled"`
	}{Status: h.Orch.Status(), QueueDepth: depth, TracingEnabled: telemetry.IsTracingEnabled()}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleAddRequest records one viewer request for a video.
func (h *Handlers) HandleAddRequest(w http.ResponseWriter, r *http.Request) {
	videoID := strings.TrimSpace(chi.URLParam(r, "videoID"))
	if videoID == "" {
		http.Error(w, "missing video id", http.StatusBadRequest)
		return
	}
	if err := h.Queue.AddRequest(r.Context(), videoID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"video_id": videoID, "status": "accepted"})
}
