// Package clock provides the wall-clock waiting primitive used by the
// orchestrator. Waits are cancellable through the context so shutdown does
// not hang on a long sleep.
package clock

import (
	"context"
	"log/slog"
	"time"
)

// System is the real wall clock.
type System struct{}

// Now returns the current time in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// WaitUntil blocks until t or until the context is cancelled. A target in
// the past returns immediately.
func (System) WaitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	slog.Debug("waiting", slog.Time("until", t), slog.Duration("for", d))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
