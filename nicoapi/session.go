// Package nicoapi contains the authenticated client for the live-broadcast
// platform: session login (including the one-time-code challenge), a retrying
// call driver, and the quotation and live-slot endpoint clients.
package nicoapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pquerna/otp/totp"

	"github.com/nucosen/broadcast/telemetry"
)

// DefaultLoginURL is the production credential-exchange endpoint.
const DefaultLoginURL = "https://account.nicovideo.jp/login/redirector"

const defaultUserAgent = "nucosen-broadcast/1.0"

// sessionCookieName marks a fully authenticated session; mfaCookieName marks
// a pending one-time-code challenge.
const (
	sessionCookieName = "user_session"
	mfaCookieName     = "mfa_session"
)

// ErrAuthenticationFailed indicates neither the primary login nor the
// one-time-code step yielded a recognized session marker.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Session owns the account credentials and the live session cookie set.
// The cookie set is replaced wholesale on every successful login; it is
// single-writer (Login) and multi-reader (every outbound call).
type Session struct {
	LoginID  string
	Password string
	TOTPSeed string

	LoginURL   string // defaults to DefaultLoginURL
	UserAgent  string
	HTTPClient *http.Client

	mu      sync.RWMutex
	cookies []*http.Cookie
}

// Cookies returns the current session cookie set. The returned slice must not
// be mutated by callers.
func (s *Session) Cookies() []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cookies
}

// UserSession returns the bare session marker value, or empty when the
// session has never been established.
func (s *Session) UserSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cookies {
		if c.Name == sessionCookieName {
			return c.Value
		}
	}
	return ""
}

func (s *Session) userAgent() string {
	if s.UserAgent != "" {
		return s.UserAgent
	}
	return defaultUserAgent
}

func (s *Session) loginURL() string {
	if s.LoginURL != "" {
		return s.LoginURL
	}
	return DefaultLoginURL
}

// http returns a client that never follows redirects: the login flow reads
// Location headers and Set-Cookie from intermediate responses itself.
func (s *Session) http() *http.Client {
	base := s.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	return &http.Client{
		Transport: base.Transport,
		Timeout:   base.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Login performs the credential exchange and, when challenged, the
// one-time-code step. On success the process-wide cookie set is replaced.
// Transient connection failures are retried with exponential backoff; the
// one-time code is regenerated on every attempt since a reused code fails
// deterministically.
func (s *Session) Login(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2

	op := func() (struct{}, error) {
		return struct{}{}, s.loginOnce(ctx)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("retrying login", slog.Any("err", err), slog.Duration("backoff", d))
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

func (s *Session) loginOnce(ctx context.Context) error {
	form := url.Values{}
	form.Set("mail_tel", s.LoginID)
	form.Set("password", s.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.userAgent())

	resp, err := s.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("login endpoint returned %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("%w: login endpoint returned %s", ErrAuthenticationFailed, resp.Status))
	}

	if hasCookie(resp.Cookies(), sessionCookieName) {
		s.replace(resp.Cookies())
		slog.Info("login succeeded")
		return nil
	}
	if hasCookie(resp.Cookies(), mfaCookieName) {
		if err := s.mfaLogin(ctx, resp); err != nil {
			return err
		}
		slog.Info("login succeeded via one-time code")
		return nil
	}
	// No recognized marker: credentials rejected. Retrying blindly cannot help.
	return backoff.Permanent(fmt.Errorf("%w: no session marker in response", ErrAuthenticationFailed))
}

// mfaLogin submits a freshly generated time-based code to the challenge URL
// from the login redirect, then follows the resulting redirect to obtain the
// final session cookie.
func (s *Session) mfaLogin(ctx context.Context, loginResp *http.Response) error {
	challengeURL, err := loginResp.Location()
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: challenge redirect missing: %v", ErrAuthenticationFailed, err))
	}
	code, err := totp.GenerateCode(s.TOTPSeed, time.Now())
	if err != nil {
		return backoff.Permanent(fmt.Errorf("generate one-time code: %w", err))
	}

	form := url.Values{}
	form.Set("otp", code)
	form.Set("is_mfa_trusted_device", "false")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, challengeURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.userAgent())
	for _, c := range loginResp.Cookies() {
		req.AddCookie(c)
	}
	mfaResp, err := s.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(mfaResp)
	if mfaResp.StatusCode >= 400 {
		// Wrong code or expired challenge: a fresh code is generated on the
		// next attempt, so this stays retryable below the 5xx line too.
		return fmt.Errorf("one-time code rejected: %s", mfaResp.Status)
	}

	finalURL, err := mfaResp.Location()
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: post-challenge redirect missing: %v", ErrAuthenticationFailed, err))
	}
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL.String(), nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	getReq.Header.Set("User-Agent", s.userAgent())
	for _, c := range loginResp.Cookies() {
		getReq.AddCookie(c)
	}
	finalResp, err := s.http().Do(getReq)
	if err != nil {
		return err
	}
	defer closeBody(finalResp)
	if !hasCookie(finalResp.Cookies(), sessionCookieName) {
		return backoff.Permanent(fmt.Errorf("%w: no session marker after one-time code", ErrAuthenticationFailed))
	}
	s.replace(finalResp.Cookies())
	return nil
}

func (s *Session) replace(cookies []*http.Cookie) {
	s.mu.Lock()
	s.cookies = cookies
	s.mu.Unlock()
	telemetry.IncLogins()
}

func hasCookie(cookies []*http.Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
