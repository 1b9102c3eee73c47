// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers, and OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	Logins             prometheus.Counter
	Relogins           prometheus.Counter
	QuotesStarted      prometheus.Counter
	QuoteAborts        prometheus.Counter
	SelectionFallbacks prometheus.Counter
	SlotsReserved      prometheus.Counter
	AnomaliesHealed    prometheus.Counter
	CallRetries        *prometheus.CounterVec

	// Histograms (seconds)
	IterationDuration prometheus.Observer

	// Gauges
	QueueDepthGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Logins = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_logins_total", Help: "Number of successful session logins"})
		Relogins = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_relogins_total", Help: "Number of re-logins triggered by authorization failures"})
		QuotesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_quotes_started_total", Help: "Number of video quotations started"})
		QuoteAborts = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_quote_aborts_total", Help: "Number of candidates aborted for not fitting before slot end"})
		SelectionFallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_selection_fallbacks_total", Help: "Number of falls back to random selection"})
		SlotsReserved = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_slots_reserved_total", Help: "Number of slot reservation requests issued"})
		AnomaliesHealed = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_anomalies_healed_total", Help: "Number of foreign quotations stopped and healed"})
		CallRetries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "broadcast_call_retries_total", Help: "Remote call retries by call name"}, []string{"call"})
		IterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "broadcast_iteration_duration_seconds", Help: "Outer orchestration iteration duration seconds", Buckets: prometheus.ExponentialBuckets(1, 4, 10)})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "broadcast_queue_depth", Help: "Current number of queued video requests"})
	})
}

// IncLogins records a successful login; safe before Init.
func IncLogins() {
	if Logins != nil {
		Logins.Inc()
	}
}

// IncRelogins records a 403-triggered session refresh; safe before Init.
func IncRelogins() {
	if Relogins != nil {
		Relogins.Inc()
	}
}

// IncCallRetry records one retry of a named remote call; safe before Init.
func IncCallRetry(call string) {
	if CallRetries != nil {
		CallRetries.WithLabelValues(call).Inc()
	}
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
