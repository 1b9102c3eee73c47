package nicoapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestLoginDirectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostFormValue("mail_tel"); got != "user@example.com" {
			t.Errorf("mail_tel = %q", got)
		}
		http.SetCookie(w, &http.Cookie{Name: "user_session", Value: "session-abc"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &Session{
		LoginID:  "user@example.com",
		Password: "pw",
		LoginURL: srv.URL,
	}
	if err := s.Login(t.Context()); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got := s.UserSession(); got != "session-abc" {
		t.Errorf("UserSession() = %q, want session-abc", got)
	}
}

func TestLoginOneTimeCodeFlow(t *testing.T) {
	// The challenge flow is three exchanges: credential POST answers with a
	// pending-challenge cookie and a redirect, the code POST redirects again,
	// and the final GET carries the real session cookie.
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "mfa_session", Value: "challenge-1"})
		w.Header().Set("Location", srv.URL+"/mfa")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/mfa", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostFormValue("otp") == "" {
			t.Error("expected a one-time code in the challenge POST")
		}
		if ck, err := r.Cookie("mfa_session"); err != nil || ck.Value != "challenge-1" {
			t.Error("challenge POST should carry the pending-challenge cookie")
		}
		w.Header().Set("Location", srv.URL+"/done")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "user_session", Value: "session-mfa"})
		w.WriteHeader(http.StatusOK)
	})

	s := &Session{
		LoginID:  "user@example.com",
		Password: "pw",
		TOTPSeed: "JBSWY3DPEHPK3PXP",
		LoginURL: srv.URL + "/login",
	}
	if err := s.Login(t.Context()); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got := s.UserSession(); got != "session-mfa" {
		t.Errorf("UserSession() = %q, want session-mfa", got)
	}
}

func TestLoginRejectedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK) // no session marker: bad credentials
	}))
	defer srv.Close()

	s := &Session{LoginID: "user", Password: "wrong", LoginURL: srv.URL}
	err := s.Login(t.Context())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Login() error = %v, want ErrAuthenticationFailed", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("login endpoint hit %d times, want 1 (rejection is permanent)", got)
	}
}

func TestLoginClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := &Session{LoginID: "user", Password: "pw", LoginURL: srv.URL}
	if err := s.Login(t.Context()); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Login() error = %v, want ErrAuthenticationFailed", err)
	}
}
