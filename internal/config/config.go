package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
)

type Config struct {
	Env      string
	HTTPAddr string
	BaseURL  string

	DatabaseDriver string
	DatabaseDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTIssuer        string
	JWTAudience      string
	JWTAccessSecret  string
	JWTRefreshSecret string
	TokenPepper      string

	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	RememberMeRefreshTTL  time.Duration
	AuthorizationCodeTTL  time.Duration
	MFAChallengeTTL       time.Duration
	MFAMaxAttempts        int
	EmailVerificationTTL  time.Duration
	BcryptCost            int
	PasswordMinLength     int

	AuthRateLimitRPM int
	MFARateLimitRPM  int
	APIRateLimitRPM  int
	RateLimitScope   string

	CORSOrigins []string

	OAuthClients []domain.OAuthClient

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLoggingEnabled        bool
	OTELMetricsExportInterval time.Duration
	EnableOTelHTTP            bool

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration
}

const (
	defaultAccessSecret  = "dev-access-secret-change-me"
	defaultRefreshSecret = "dev-refresh-secret-change-me"
	defaultPepper        = "dev-token-pepper-change-me"
)

func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		BaseURL:  getEnv("BASE_URL", "http://localhost:8080"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "file:dwaybank_auth.db?_fk=1"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTIssuer:        getEnv("JWT_ISSUER", "dwaybank-auth"),
		JWTAudience:      getEnv("JWT_AUDIENCE", "dwaybank-api"),
		JWTAccessSecret:  getEnv("JWT_ACCESS_SECRET", defaultAccessSecret),
		JWTRefreshSecret: getEnv("JWT_REFRESH_SECRET", defaultRefreshSecret),
		TokenPepper:      getEnv("TOKEN_PEPPER", defaultPepper),

		AccessTokenTTL:       getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:      getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		RememberMeRefreshTTL: getEnvDuration("REMEMBER_ME_REFRESH_TTL", 30*24*time.Hour),
		AuthorizationCodeTTL: getEnvDuration("AUTHORIZATION_CODE_TTL", 10*time.Minute),
		MFAChallengeTTL:      getEnvDuration("MFA_CHALLENGE_TTL", 5*time.Minute),
		MFAMaxAttempts:       getEnvInt("MFA_MAX_ATTEMPTS", 5),
		EmailVerificationTTL: getEnvDuration("EMAIL_VERIFICATION_TTL", 24*time.Hour),
		BcryptCost:           getEnvInt("BCRYPT_COST", 12),
		PasswordMinLength:    getEnvInt("PASSWORD_MIN_LENGTH", 12),

		AuthRateLimitRPM: getEnvInt("AUTH_RATE_LIMIT_RPM", 5),
		MFARateLimitRPM:  getEnvInt("MFA_RATE_LIMIT_RPM", 3),
		APIRateLimitRPM:  getEnvInt("API_RATE_LIMIT_RPM", 120),
		RateLimitScope:   getEnv("RATE_LIMIT_SCOPE", "redis"),

		CORSOrigins: splitCSV(getEnv("CORS_ORIGINS", "http://localhost:3000")),

		OTELServiceName:           getEnv("OTEL_SERVICE_NAME", "dwaybank-auth"),
		OTELEnvironment:           getEnv("OTEL_ENVIRONMENT", "development"),
		OTELExporterOTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        getEnvBool("OTEL_METRICS_ENABLED", false),
		OTELTracingEnabled:        getEnvBool("OTEL_TRACING_ENABLED", false),
		OTELLoggingEnabled:        getEnvBool("OTEL_LOGGING_ENABLED", false),
		OTELMetricsExportInterval: getEnvDuration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second),
		EnableOTelHTTP:            getEnvBool("OTEL_HTTP_ENABLED", false),

		ShutdownTimeout:              getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		ShutdownHTTPDrainTimeout:     getEnvDuration("SHUTDOWN_HTTP_DRAIN_TIMEOUT", 5*time.Second),
		ShutdownObservabilityTimeout: getEnvDuration("SHUTDOWN_OBSERVABILITY_TIMEOUT", 5*time.Second),
	}

	clients, err := parseOAuthClients(os.Getenv("OAUTH_CLIENTS"))
	if err != nil {
		recordConfigValidationEvent(ctx, cfg.Env, "failure", classifyConfigLoadError(err))
		return nil, fmt.Errorf("parse OAUTH_CLIENTS: %w", err)
	}
	cfg.OAuthClients = clients

	if err := cfg.Validate(); err != nil {
		recordConfigValidationEvent(ctx, cfg.Env, "failure", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(ctx, cfg.Env, "success", "none")
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Production() {
		if c.JWTAccessSecret == defaultAccessSecret || c.JWTRefreshSecret == defaultRefreshSecret {
			return fmt.Errorf("validate config: default JWT secrets are not allowed in production")
		}
		if c.TokenPepper == defaultPepper {
			return fmt.Errorf("validate config: default token pepper is not allowed in production")
		}
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("validate config: access and refresh secrets must differ")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("validate config: token TTLs must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("validate config: access TTL must be shorter than refresh TTL")
	}
	if c.AuthorizationCodeTTL > 10*time.Minute {
		return fmt.Errorf("validate config: authorization code TTL must not exceed 10 minutes")
	}
	if c.MFAMaxAttempts <= 0 {
		return fmt.Errorf("validate config: MFA max attempts must be positive")
	}
	if c.BcryptCost < 10 || c.BcryptCost > 18 {
		return fmt.Errorf("validate config: bcrypt cost must be between 10 and 18")
	}
	if c.PasswordMinLength < 8 {
		return fmt.Errorf("validate config: password minimum length must be at least 8")
	}
	for i, client := range c.OAuthClients {
		if client.ID == "" {
			return fmt.Errorf("validate config: oauth client %d has no id", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("validate config: oauth client %q has no redirect URIs", client.ID)
		}
		if !client.Public && client.Secret == "" {
			return fmt.Errorf("validate config: confidential oauth client %q has no secret", client.ID)
		}
	}
	return nil
}

func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func parseOAuthClients(raw string) ([]domain.OAuthClient, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var clients []domain.OAuthClient
	if err := json.Unmarshal([]byte(raw), &clients); err != nil {
		return nil, err
	}
	return clients, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
