package observability

import (
	"context"
	"log/slog"
	"net/http"
)

// Audit emits a security-relevant event to the structured log. Attribute
// values must never contain credentials or raw tokens.
func Audit(ctx context.Context, event string, attrs ...any) {
	base := []any{"event", event}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit", base...)
}

// AuditRequest is the request-scoped variant used by the route layer.
func AuditRequest(r *http.Request, event string, attrs ...any) {
	base := []any{
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-Id"),
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}
