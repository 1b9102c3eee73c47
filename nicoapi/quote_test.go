package nicoapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newQuoteClient(srvURL string) *QuoteClient {
	return &QuoteClient{
		API:          &Client{Session: &Session{}},
		BaseURL:      srvURL,
		ThumbBaseURL: srvURL,
		Settle:       time.Millisecond,
		RetryBase:    time.Millisecond,
	}
}

func TestCurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tools/live/contents/lv100/quotation" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"currentContent":{"id":"sm9"}}`))
	}))
	defer srv.Close()

	got, err := newQuoteClient(srv.URL).Current(t.Context(), "lv100")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got != "sm9" {
		t.Errorf("Current() = %q, want sm9", got)
	}
}

func TestCurrentNoQuotation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	got, err := newQuoteClient(srv.URL).Current(t.Context(), "lv100")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got != "" {
		t.Errorf("Current() = %q, want empty", got)
	}
}

func TestStopWithoutActiveQuotation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := newQuoteClient(srv.URL).Stop(t.Context(), "lv100"); err != nil {
		t.Fatalf("Stop() error = %v, want nil on absence", err)
	}
}

func TestOnceConflictUpdatesInPlace(t *testing.T) {
	var patched atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/tools/live/contents/lv100/quotation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /v1/tools/live/contents/lv100/quotation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("PATCH /v1/tools/live/contents/lv100/quotation/contents", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Contents []map[string]string `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode update body: %v", err)
		}
		if len(body.Contents) != 1 || body.Contents[0]["id"] != "sm9" {
			t.Errorf("update body contents = %v", body.Contents)
		}
		patched.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/tools/live/quote/services/video/contents/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"sm9","title":"classic","length":123.5}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, err := newQuoteClient(srv.URL).Once(t.Context(), "lv100", "sm9")
	if err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	if !patched.Load() {
		t.Error("conflict should be resolved by an in-place update")
	}
	if want := 123*time.Second + 500*time.Millisecond; d != want {
		t.Errorf("duration = %v, want %v", d, want)
	}
}

func TestOnceRestartsFromStopOnTransientRejection(t *testing.T) {
	var stops, posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/tools/live/contents/lv100/quotation", func(w http.ResponseWriter, r *http.Request) {
		stops.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /v1/tools/live/contents/lv100/quotation", func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			// The service can answer 400 while the release is propagating.
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /v1/tools/live/quote/services/video/contents/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"sm9","title":"classic","length":60}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if _, err := newQuoteClient(srv.URL).Once(t.Context(), "lv100", "sm9"); err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	if got := stops.Load(); got != 2 {
		t.Errorf("stop executed %d times, want 2 (sequence restarts from stop)", got)
	}
	if got := posts.Load(); got != 2 {
		t.Errorf("post executed %d times, want 2", got)
	}
}

func TestOnceRestartsFromStopOnStopFailure(t *testing.T) {
	var stops, posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/tools/live/contents/lv100/quotation", func(w http.ResponseWriter, r *http.Request) {
		if stops.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /v1/tools/live/contents/lv100/quotation", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /v1/tools/live/quote/services/video/contents/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"sm9","title":"classic","length":60}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if _, err := newQuoteClient(srv.URL).Once(t.Context(), "lv100", "sm9"); err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	if got := stops.Load(); got != 2 {
		t.Errorf("stop executed %d times, want 2 (a failed stop restarts the sequence)", got)
	}
	if got := posts.Load(); got != 1 {
		t.Errorf("post executed %d times, want 1", got)
	}
}

func TestVideoInfoSkipsTagCheckWhenIneligible(t *testing.T) {
	var tagLookups atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tools/live/quote/services/video/contents/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"sm9","title":"classic","length":60}}`))
	})
	mux.HandleFunc("GET /v1/services/select_content/video/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"content":{"isQuotableByOtherContents":false}}}`))
	})
	mux.HandleFunc("GET /api/getthumbinfo/sm9", func(w http.ResponseWriter, r *http.Request) {
		tagLookups.Add(1)
		_, _ = w.Write([]byte(`<nicovideo_thumb_response><thumb><tags></tags></thumb></nicovideo_thumb_response>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	qc := newQuoteClient(srv.URL)
	qc.DisallowedTags = []string{"banned"}
	info, err := qc.VideoInfo(t.Context(), "sm9")
	if err != nil {
		t.Fatalf("VideoInfo() error = %v", err)
	}
	if info.Quotable {
		t.Error("ineligible video reported quotable")
	}
	if got := tagLookups.Load(); got != 0 {
		t.Errorf("tag endpoint hit %d times, want 0 for an ineligible video", got)
	}
	if info.Caption != "classic / sm9" {
		t.Errorf("Caption = %q", info.Caption)
	}
}

func TestVideoInfoDisallowedTag(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tools/live/quote/services/video/contents/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"sm9","title":"classic","length":60}}`))
	})
	mux.HandleFunc("GET /v1/services/select_content/video/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"content":{"isQuotableByOtherContents":true}}}`))
	})
	mux.HandleFunc("GET /api/getthumbinfo/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<nicovideo_thumb_response><thumb><tags><tag>music</tag><tag>banned</tag></tags></thumb></nicovideo_thumb_response>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	qc := newQuoteClient(srv.URL)
	qc.DisallowedTags = []string{"banned"}
	info, err := qc.VideoInfo(t.Context(), "sm9")
	if err != nil {
		t.Fatalf("VideoInfo() error = %v", err)
	}
	if info.Quotable {
		t.Error("video with a disallowed tag reported quotable")
	}
	if info.Duration != time.Minute {
		t.Errorf("Duration = %v, want 1m", info.Duration)
	}
}

func TestVideoInfoQuotable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tools/live/quote/services/video/contents/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"sm9","title":"","length":60}}`))
	})
	mux.HandleFunc("GET /v1/services/select_content/video/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"content":{"isQuotableByOtherContents":true}}}`))
	})
	mux.HandleFunc("GET /api/getthumbinfo/sm9", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<nicovideo_thumb_response><thumb><tags><tag>music</tag></tags></thumb></nicovideo_thumb_response>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	info, err := newQuoteClient(srv.URL).VideoInfo(t.Context(), "sm9")
	if err != nil {
		t.Fatalf("VideoInfo() error = %v", err)
	}
	if !info.Quotable {
		t.Error("eligible video reported unquotable")
	}
	if info.Caption != "(untitled) / sm9" {
		t.Errorf("Caption = %q, want untitled fallback", info.Caption)
	}
}

func TestSetRepeat(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || !strings.HasSuffix(r.URL.Path, "/layout") {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		b, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := newQuoteClient(srv.URL).SetRepeat(t.Context(), "lv100"); err != nil {
		t.Fatalf("SetRepeat() error = %v", err)
	}
	if !strings.Contains(body, `"repeat":true`) {
		t.Errorf("repeat flag missing from layout patch: %s", body)
	}
}
