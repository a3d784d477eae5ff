package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/johnnydxm/dwaybank-auth/internal/health"
	"github.com/johnnydxm/dwaybank-auth/internal/http/handler"
	"github.com/johnnydxm/dwaybank-auth/internal/http/middleware"
	"github.com/johnnydxm/dwaybank-auth/internal/http/response"
	"github.com/johnnydxm/dwaybank-auth/internal/registry"
	"github.com/johnnydxm/dwaybank-auth/internal/security"
)

type Dependencies struct {
	AuthHandler      *handler.AuthHandler
	OAuthHandler     *handler.OAuthHandler
	JWTManager       *security.JWTManager
	SessionRegistry  registry.SessionRegistry
	CORSOrigins      []string
	AuthRateLimitRPM int
	MFARateLimitRPM  int
	APIRateLimitRPM  int
	RateLimitScope   string
	Readiness        *health.ProbeRunner
	EnableOTelHTTP   bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))

	limiterBackend := newLimiterBackend(dep)
	apiLimiter := middleware.NewRateLimiter(
		limiterBackend, dep.APIRateLimitRPM, time.Minute,
		middleware.FailOpen, "api", middleware.ClientIPKey,
	).Middleware()
	authLimiter := middleware.NewRateLimiter(
		limiterBackend, dep.AuthRateLimitRPM, time.Minute,
		middleware.FailClosed, "auth", middleware.ClientIPKey,
	).Middleware()
	mfaLimiter := middleware.NewRateLimiter(
		limiterBackend, dep.MFARateLimitRPM, time.Minute,
		middleware.FailClosed, "mfa", middleware.SubjectOrIPKeyFunc(dep.JWTManager),
	).Middleware()
	r.Use(apiLimiter)

	requireAuth := middleware.AuthMiddleware(dep.JWTManager, dep.SessionRegistry)
	optionalAuth := middleware.OptionalAuth(dep.JWTManager, dep.SessionRegistry)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, "", map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, "", map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, "", map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/register", dep.AuthHandler.Register)
			r.With(authLimiter).Post("/verify-email", dep.AuthHandler.VerifyEmail)
			r.With(authLimiter).Post("/login", dep.AuthHandler.Login)
			r.With(mfaLimiter).Post("/mfa/verify", dep.AuthHandler.VerifyMFA)
			r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)
			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/logout", dep.AuthHandler.Logout)
				r.With(authLimiter).Post("/change-password", dep.AuthHandler.ChangePassword)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/me", dep.AuthHandler.Me)
			r.Get("/me/sessions", dep.AuthHandler.Sessions)
			r.Delete("/me/sessions/{session_id}", dep.AuthHandler.RevokeSession)
		})
	})

	r.Route("/oauth", func(r chi.Router) {
		r.With(optionalAuth).Get("/authorize", dep.OAuthHandler.Authorize)
		r.With(authLimiter).Post("/token", dep.OAuthHandler.Token)
		r.Post("/revoke", dep.OAuthHandler.Revoke)
		r.Post("/introspect", dep.OAuthHandler.Introspect)
		r.Get("/userinfo", dep.OAuthHandler.UserInfo)
		r.Post("/userinfo", dep.OAuthHandler.UserInfo)
	})
	r.Get("/.well-known/openid-configuration", dep.OAuthHandler.Discovery)

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}

func newLimiterBackend(dep Dependencies) middleware.Limiter {
	if dep.RateLimitScope == "redis" && dep.SessionRegistry != nil {
		return middleware.NewDistributedLimiter(dep.SessionRegistry)
	}
	return middleware.NewLocalLimiter()
}
