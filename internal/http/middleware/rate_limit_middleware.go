package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/johnnydxm/dwaybank-auth/internal/http/response"
	"github.com/johnnydxm/dwaybank-auth/internal/observability"
	"github.com/johnnydxm/dwaybank-auth/internal/security"
)

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts hits for a key within a fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// HitCounter is satisfied by the session registry's shared counter; the
// distributed limiter rides the same Redis the sessions live in.
type HitCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type distributedLimiter struct {
	counter HitCounter
}

func NewDistributedLimiter(counter HitCounter) Limiter {
	return &distributedLimiter{counter: counter}
}

func (l *distributedLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	count, retryAfter, err := l.counter.Hit(ctx, key, window)
	if err != nil {
		return Decision{}, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= int64(limit), Remaining: remaining, RetryAfter: retryAfter}, nil
}

type localWindow struct {
	count   int
	resetAt time.Time
}

type localLimiter struct {
	mu    sync.Mutex
	store map[string]*localWindow
}

// NewLocalLimiter is the single-process fallback used in tests and when no
// shared store is configured.
func NewLocalLimiter() Limiter {
	return &localLimiter{store: make(map[string]*localWindow)}
}

func (l *localLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.store[key]
	if !ok || now.After(state.resetAt) {
		state = &localWindow{resetAt: now.Add(window)}
		l.store[key] = state
	}
	state.count++
	remaining := limit - state.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    state.count <= limit,
		Remaining:  remaining,
		RetryAfter: time.Until(state.resetAt),
	}, nil
}

type RateLimiter struct {
	limiter Limiter
	limit   int
	window  time.Duration
	mode    FailureMode
	scope   string
	keyFunc func(r *http.Request) string
}

func NewRateLimiter(limiter Limiter, limit int, window time.Duration, mode FailureMode, scope string, keyFunc func(r *http.Request) string) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if keyFunc == nil {
		keyFunc = ClientIPKey
	}
	return &RateLimiter{limiter: limiter, limit: limit, window: window, mode: mode, scope: scope, keyFunc: keyFunc}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.keyFunc(r)
			if key == "" {
				key = ClientIPKey(r)
			}
			keyType := "ip"
			if strings.HasPrefix(key, "sub:") {
				keyType = "subject"
			}
			decision, err := rl.limiter.Allow(r.Context(), rl.scope+":"+key, rl.limit, rl.window)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error", keyType)
				if rl.mode == FailOpen {
					slog.Warn("rate limiter backend unavailable, allowing request", "scope", rl.scope, "error", err.Error())
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("Retry-After", retryAfterHeader(rl.window))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests", nil)
				return
			}
			writeRateLimitHeaders(w.Header(), rl.limit, decision.Remaining)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny", keyType)
				w.Header().Set("Retry-After", retryAfterHeader(decision.RetryAfter))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow", keyType)
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectOrIPKeyFunc keys the limit by the authenticated subject when a valid
// token is present; MFA limits are per user, not per IP.
func SubjectOrIPKeyFunc(jwtMgr *security.JWTManager) func(r *http.Request) string {
	return func(r *http.Request) string {
		raw := BearerToken(r)
		if raw != "" {
			if claims, err := jwtMgr.ParseAccessToken(raw); err == nil && claims.Subject != "" {
				return "sub:" + claims.Subject
			}
		}
		return ClientIPKey(r)
	}
}

func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterHeader(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}

func writeRateLimitHeaders(h http.Header, limit, remaining int) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
}
