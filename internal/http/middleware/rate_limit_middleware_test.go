package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("backend down")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLocalLimiterEnforcesWindowCap(t *testing.T) {
	rl := NewRateLimiter(NewLocalLimiter(), 3, time.Minute, FailClosed, "auth", nil)
	handler := rl.Middleware()(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "10.1.1.1:4455"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "3" {
			t.Fatalf("missing limit header: %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "10.1.1.1:4455"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the cap, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on 429")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected zero remaining, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimiterKeysByClientIP(t *testing.T) {
	rl := NewRateLimiter(NewLocalLimiter(), 1, time.Minute, FailClosed, "auth", nil)
	handler := rl.Middleware()(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/login", nil)
	first.RemoteAddr = "10.1.1.1:1000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// A different client gets a fresh window.
	second := httptest.NewRequest(http.MethodPost, "/login", nil)
	second.RemoteAddr = "10.2.2.2:1000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected a different IP to be unthrottled, got %d", rec.Code)
	}
}

func TestFailOpenAllowsOnBackendError(t *testing.T) {
	rl := NewRateLimiter(erroringLimiter{}, 5, time.Minute, FailOpen, "api", nil)
	handler := rl.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.RemoteAddr = "10.1.1.1:4455"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fail-open must allow on backend error, got %d", rec.Code)
	}
}

func TestFailClosedRejectsOnBackendError(t *testing.T) {
	rl := NewRateLimiter(erroringLimiter{}, 5, time.Minute, FailClosed, "auth", nil)
	handler := rl.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "10.1.1.1:4455"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fail-closed must reject on backend error, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on fail-closed rejection")
	}
}

func TestSubjectOrIPKeyPrefersAuthenticatedSubject(t *testing.T) {
	jwtMgr, sessions := newTestAuthStack(t)
	keyFunc := SubjectOrIPKeyFunc(jwtMgr)

	anon := httptest.NewRequest(http.MethodPost, "/mfa/verify", nil)
	anon.RemoteAddr = "10.1.1.1:4455"
	if keyFunc(anon) != "10.1.1.1" {
		t.Fatalf("expected IP key for anonymous request, got %q", keyFunc(anon))
	}

	token, _ := issueAccessToken(t, jwtMgr, sessions, nil)
	authed := httptest.NewRequest(http.MethodPost, "/mfa/verify", nil)
	authed.RemoteAddr = "10.1.1.1:4455"
	authed.Header.Set("Authorization", "Bearer "+token)
	if keyFunc(authed) != "sub:7" {
		t.Fatalf("expected subject key for authenticated request, got %q", keyFunc(authed))
	}
}
