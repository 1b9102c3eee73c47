package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nucosen/broadcast/clock"
	"github.com/nucosen/broadcast/config"
	"github.com/nucosen/broadcast/orchestrator"
	"github.com/nucosen/broadcast/queue"
	"github.com/nucosen/broadcast/testutil"
)

func TestCorrelationMiddlewareEchoesHeader(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := correlationMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("echoed correlation id = %q, want corr-123", got)
	}
}

func TestCorrelationMiddlewareGeneratesID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := correlationMiddleware(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id on the response")
	}
}

func TestHandleAddRequestMissingID(t *testing.T) {
	h := &Handlers{}
	rec := httptest.NewRecorder()
	// No chi route context, so the URL parameter resolves empty.
	h.HandleAddRequest(rec, httptest.NewRequest(http.MethodPost, "/requests/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRouterAgainstDatabase(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := &queue.Store{DB: database}
	orch := orchestrator.New(&config.Config{}, nil, nil, store, nil, clock.System{})
	srv := httptest.NewServer(NewRouter(&Handlers{DB: database, Orch: orch, Queue: store}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}

	// No orchestration iteration has run yet, so the service is not ready.
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503 before first iteration", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/requests/sm1", "", nil)
	if err != nil {
		t.Fatalf("POST /requests/sm1: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("/requests status = %d, want 202", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		State          string `json:"state"`
		QueueDepth     int    `json:"queue_depth"`
		TracingEnabled bool   `json:"tracing_enabled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if body.QueueDepth != 0 {
		t.Errorf("queue_depth = %d, want 0 (requests do not enter the queue directly)", body.QueueDepth)
	}
	if body.TracingEnabled {
		t.Error("tracing_enabled = true, want false without an exporter endpoint")
	}
}
