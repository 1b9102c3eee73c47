package nicoapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nucosen/broadcast/telemetry"
)

// ErrRetryRequired marks a response the remote side may accept on a later
// attempt (e.g., quoting before a prior stop has propagated). The retry
// driver treats it as recoverable.
var ErrRetryRequired = errors.New("retry required")

// errSessionRefreshed signals that an authorization failure was observed, the
// session was re-established, and the original call should be retried.
var errSessionRefreshed = errors.New("session refreshed, retry")

// StatusError is a non-recoverable HTTP status outcome.
type StatusError struct {
	Call string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Call, e.Code)
}

// Call describes one remote exchange together with its retry policy. Each
// call site declares its own ceiling and base delay: idempotent reads retry
// aggressively, state-changing posts do not.
type Call struct {
	Name      string
	MaxTries  uint          // defaults to 3
	BaseDelay time.Duration // defaults to 1s

	// NotFoundOK maps a 404 to an empty result instead of an error, for
	// state queries where "absent" is meaningful.
	NotFoundOK bool

	// Transient reports 4xx statuses the remote side can transiently return
	// for a valid request. Such responses are retried; all other 4xx are
	// fatal for the call.
	Transient func(code int) bool

	// Request builds the request. It is invoked once per attempt so each
	// attempt carries the current session cookie set.
	Request func(ctx context.Context) (*http.Request, error)

	// Conflict, when set, builds a fallback request that replaces the
	// original exchange within the same attempt if the remote side answers
	// 409 (e.g., update-in-place instead of create).
	Conflict func(ctx context.Context) (*http.Request, error)
}

// Result is the successful outcome of a Call.
type Result struct {
	StatusCode int
	Body       []byte
	NotFound   bool
}

// Client executes Calls against the remote service with bounded, backed-off
// retries. On an authorization failure it performs exactly one session
// re-login and then retries the original call; a failed re-login is fatal.
type Client struct {
	Session    *Session
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Do runs the call to completion. Exhausting the retry ceiling surfaces the
// last error, wrapped with the call name.
func (c *Client) Do(ctx context.Context, call Call) (Result, error) {
	if call.MaxTries == 0 {
		call.MaxTries = 3
	}
	if call.BaseDelay <= 0 {
		call.BaseDelay = time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = call.BaseDelay
	bo.Multiplier = 2

	op := func() (Result, error) {
		return c.attempt(ctx, call)
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(call.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			telemetry.IncCallRetry(call.Name)
			slog.Warn("retrying call",
				slog.String("call", call.Name),
				slog.Any("err", err),
				slog.Duration("backoff", d))
		}),
	)
	if err != nil {
		// Permanent is a retry-driver directive scoped to this call; callers
		// running their own retry loops must see the bare error.
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return Result{}, fmt.Errorf("%s: %w", call.Name, err)
	}
	return res, nil
}

// attempt performs one exchange and classifies it: nil error is success, a
// plain error is recoverable (the driver backs off and retries), and a
// backoff.Permanent error is fatal for the call.
func (c *Client) attempt(ctx context.Context, call Call) (Result, error) {
	resp, err := c.exchange(ctx, call.Request)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode == http.StatusConflict && call.Conflict != nil {
		closeBody(resp)
		resp, err = c.exchange(ctx, call.Conflict)
		if err != nil {
			return Result{}, err
		}
	}
	defer closeBody(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		// Exactly one re-login per observed 403; the call itself is then
		// retried by the driver. A re-login failure is fatal.
		telemetry.IncRelogins()
		if err := c.Session.Login(ctx); err != nil {
			return Result{}, backoff.Permanent(fmt.Errorf("session refresh after 403: %w", err))
		}
		return Result{}, errSessionRefreshed
	case resp.StatusCode == http.StatusNotFound && call.NotFoundOK:
		return Result{StatusCode: resp.StatusCode, NotFound: true}, nil
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("server status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		if call.Transient != nil && call.Transient(resp.StatusCode) {
			return Result{}, fmt.Errorf("%w: status %d", ErrRetryRequired, resp.StatusCode)
		}
		return Result{}, backoff.Permanent(&StatusError{Call: call.Name, Code: resp.StatusCode, Body: string(body)})
	}
	return Result{StatusCode: resp.StatusCode, Body: body}, nil
}

func (c *Client) exchange(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for _, ck := range c.Session.Cookies() {
		req.AddCookie(ck)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.Session.userAgent())
	}
	resp, err := c.http().Do(req)
	if err != nil {
		// Connection-level failure: recoverable.
		return nil, err
	}
	return resp, nil
}
