// Package notify bridges log records to a Discord-style chat webhook so
// operators see warnings and fatal conditions without tailing the process
// output. It wraps another slog.Handler and forwards records at or above a
// threshold level.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LevelCritical is one step above slog.LevelError and marks conditions that
// terminate the process.
const LevelCritical = slog.Level(12)

// LevelName maps custom levels to display names for handler ReplaceAttr.
func LevelName(l slog.Level) string {
	if l >= LevelCritical {
		return "CRITICAL"
	}
	return l.String()
}

// Handler forwards records at or above Min to a webhook while delegating all
// records to the wrapped handler. Webhook delivery is best-effort: a failed
// post never fails the log call.
type Handler struct {
	next   slog.Handler
	url    string
	min    slog.Level
	client *http.Client
	attrs  []slog.Attr
	groups []string
}

// NewHandler wraps next with webhook forwarding. An empty url disables
// forwarding entirely and records pass through untouched.
func NewHandler(next slog.Handler, url string, min slog.Level) *Handler {
	return &Handler{
		next:   next,
		url:    url,
		min:    min,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.url != "" && r.Level >= h.min {
		h.post(ctx, r)
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	c.groups = append(append([]string{}, h.groups...), name)
	return &c
}

func (h *Handler) post(ctx context.Context, r slog.Record) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", LevelName(r.Level), r.Message)
	prefix := strings.Join(h.groups, ".")
	writeAttr := func(a slog.Attr) {
		key := a.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		fmt.Fprintf(&b, " %s=%v", key, a.Value)
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})

	payload, err := json.Marshal(map[string]string{"content": b.String()})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
