package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/johnnydxm/dwaybank-auth/internal/http/response"
	"github.com/johnnydxm/dwaybank-auth/internal/observability"
	"github.com/johnnydxm/dwaybank-auth/internal/registry"
	"github.com/johnnydxm/dwaybank-auth/internal/security"
)

type contextKey string

const authContextKey contextKey = "auth_context"

// AuthContext is constructed once per request by AuthMiddleware and threaded
// through the call chain; it is never mutated after construction.
type AuthContext struct {
	Claims    *security.Claims
	UserID    uint
	SessionID string
	RawToken  string
}

// AuthMiddleware authenticates the bearer access token and rejects tokens
// whose session has been revoked in the registry.
func AuthMiddleware(jwtMgr *security.JWTManager, sessions registry.SessionRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "missing access token", nil)
				return
			}
			claims, err := jwtMgr.ParseAccessToken(raw)
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", "bearer")
				response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "invalid access token", nil)
				return
			}
			if claims.SessionID != "" && sessions != nil {
				active, checkErr := sessions.IsSessionActive(r.Context(), claims.SessionID)
				if checkErr != nil || !active {
					observability.RecordAccessTokenValidation(r.Context(), "revoked", "bearer")
					response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "invalid access token", nil)
					return
				}
			}
			userID, err := claims.UserID()
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", "bearer")
				response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "invalid access token", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", "bearer")
			authCtx := &AuthContext{Claims: claims, UserID: userID, SessionID: claims.SessionID, RawToken: raw}
			ctx := context.WithValue(r.Context(), authContextKey, authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth resolves an AuthContext when a valid token is present but
// never rejects; the OAuth authorize endpoint needs to distinguish
// unauthenticated from invalid.
func OptionalAuth(jwtMgr *security.JWTManager, sessions registry.SessionRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := jwtMgr.ParseAccessToken(raw)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if claims.SessionID != "" && sessions != nil {
				if active, checkErr := sessions.IsSessionActive(r.Context(), claims.SessionID); checkErr != nil || !active {
					next.ServeHTTP(w, r)
					return
				}
			}
			userID, err := claims.UserID()
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			authCtx := &AuthContext{Claims: claims, UserID: userID, SessionID: claims.SessionID, RawToken: raw}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey, authCtx)))
		})
	}
}

// RequireScope gates an endpoint on a scope carried by the access token.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, ok := AuthFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "missing access token", nil)
				return
			}
			for _, s := range authCtx.Claims.Scopes() {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, r, http.StatusForbidden, "INSUFFICIENT_SCOPE", "token lacks required scope", nil)
		})
	}
}

func AuthFromContext(ctx context.Context) (*AuthContext, bool) {
	c, ok := ctx.Value(authContextKey).(*AuthContext)
	return c, ok
}

func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
