package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	gormlogger "gorm.io/gorm/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
	"github.com/johnnydxm/dwaybank-auth/internal/health"
	"github.com/johnnydxm/dwaybank-auth/internal/http/handler"
	"github.com/johnnydxm/dwaybank-auth/internal/http/router"
	"github.com/johnnydxm/dwaybank-auth/internal/registry"
	"github.com/johnnydxm/dwaybank-auth/internal/repository"
	"github.com/johnnydxm/dwaybank-auth/internal/security"
	"github.com/johnnydxm/dwaybank-auth/internal/service"
)

const testPassword = "correct-horse-battery"

// mailbox captures out-of-band artifacts so flows can pick them up the way a
// real user would from an email.
type mailbox struct {
	mu                sync.Mutex
	verificationToken string
	mfaCode           string
}

func (m *mailbox) SendVerificationEmail(_ context.Context, _ *domain.User, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verificationToken = token
	return nil
}

func (m *mailbox) SendMFACode(_ context.Context, _ *domain.User, _ domain.MFAMethod, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mfaCode = code
	return nil
}

func (m *mailbox) lastVerificationToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verificationToken
}

type stack struct {
	server   *httptest.Server
	mailbox  *mailbox
	sessions registry.SessionRegistry
	redis    *miniredis.Miniredis
}

var stackClients = []domain.OAuthClient{
	{
		ID:            "web-app",
		Secret:        "web-secret",
		Name:          "Web Application",
		RedirectURIs:  []string{"https://app.example.com/callback"},
		AllowedGrants: []string{"authorization_code", "refresh_token"},
		AllowedScopes: []string{"openid", "profile", "email"},
	},
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackWithAccessTTL(t, 15*time.Minute)
}

// newStackWithAccessTTL exists for flows that need real access tokens to
// expire within the test run.
func newStackWithAccessTTL(t *testing.T, accessTTL time.Duration) *stack {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	users := repository.NewUserRepository(db)
	sessions := registry.NewRedisSessionRegistry(client, "itest")
	jwtMgr := security.NewJWTManager("iss", "aud", "abcdefghijklmnopqrstuvwxyz123456", "abcdefghijklmnopqrstuvwxyz654321")
	hasher := security.NewPasswordHasher(bcrypt.MinCost, 12)
	tokens := service.NewTokenService(jwtMgr, sessions, "itest-pepper", accessTTL, time.Hour)
	box := &mailbox{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	auth := service.NewAuthService(users, sessions, tokens, hasher, box, service.AuthConfig{
		AccessTTL:            accessTTL,
		RefreshTTL:           time.Hour,
		RememberMeRefreshTTL: 24 * time.Hour,
		MFAChallengeTTL:      5 * time.Minute,
		MFAMaxAttempts:       5,
		EmailVerificationTTL: time.Hour,
	}, logger)
	sessionSvc := service.NewSessionService(sessions)
	oauth := service.NewOAuthService(
		service.NewClientRegistry(stackClients),
		users, sessions, tokens, jwtMgr,
		10*time.Minute, "http://localhost:8080",
	)

	readiness := health.NewProbeRunner(2 * time.Second)
	readiness.Register("redis", func(ctx context.Context) error { return sessions.Ping(ctx) })

	h := router.NewRouter(router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, sessionSvc),
		OAuthHandler:     handler.NewOAuthHandler(oauth),
		JWTManager:       jwtMgr,
		SessionRegistry:  sessions,
		CORSOrigins:      []string{"http://localhost:3000"},
		AuthRateLimitRPM: 1000,
		MFARateLimitRPM:  1000,
		APIRateLimitRPM:  10000,
		RateLimitScope:   "redis",
		Readiness:        readiness,
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &stack{server: srv, mailbox: box, sessions: sessions, redis: mr}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func (s *stack) postJSON(t *testing.T, path, bearer string, body any) (int, envelope) {
	t.Helper()
	return s.doJSON(t, http.MethodPost, path, bearer, body)
}

func (s *stack) getJSON(t *testing.T, path, bearer string) (int, envelope) {
	t.Helper()
	return s.doJSON(t, http.MethodGet, path, bearer)
}

func (s *stack) doJSON(t *testing.T, method, path, bearer string, body ...any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if len(body) > 0 && body[0] != nil {
		payload, err := json.Marshal(body[0])
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, env
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// registerAndLogin walks the register, verify and login flow and returns the
// issued tokens.
func (s *stack) registerAndLogin(t *testing.T, email string) tokenPair {
	t.Helper()
	s.register(t, email)
	s.verifyEmail(t)
	return s.login(t, email)
}

func (s *stack) register(t *testing.T, email string) {
	t.Helper()
	status, env := s.postJSON(t, "/api/v1/auth/register", "", map[string]any{
		"email":            email,
		"password":         testPassword,
		"confirm_password": testPassword,
		"first_name":       "Jane",
		"last_name":        "Doe",
		"accept_terms":     true,
		"accept_privacy":   true,
	})
	if status != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%s)", status, env.Error)
	}
}

func (s *stack) verifyEmail(t *testing.T) {
	t.Helper()
	status, env := s.postJSON(t, "/api/v1/auth/verify-email", "", map[string]any{
		"token": s.mailbox.lastVerificationToken(),
	})
	if status != http.StatusOK {
		t.Fatalf("verify-email: expected 200, got %d (%s)", status, env.Error)
	}
}

func (s *stack) login(t *testing.T, email string) tokenPair {
	t.Helper()
	status, env := s.postJSON(t, "/api/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": testPassword,
	})
	if status != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%s)", status, env.Error)
	}
	var data struct {
		Tokens tokenPair `json:"tokens"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode login data: %v", err)
	}
	if data.Tokens.AccessToken == "" || data.Tokens.RefreshToken == "" {
		t.Fatalf("login returned incomplete tokens: %+v", data.Tokens)
	}
	return data.Tokens
}
