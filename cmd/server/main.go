package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/johnnydxm/dwaybank-auth/internal/app"
	"github.com/johnnydxm/dwaybank-auth/internal/config"
	"github.com/johnnydxm/dwaybank-auth/internal/domain"
	"github.com/johnnydxm/dwaybank-auth/internal/health"
	"github.com/johnnydxm/dwaybank-auth/internal/http/handler"
	"github.com/johnnydxm/dwaybank-auth/internal/http/router"
	"github.com/johnnydxm/dwaybank-auth/internal/observability"
	"github.com/johnnydxm/dwaybank-auth/internal/registry"
	"github.com/johnnydxm/dwaybank-auth/internal/repository"
	"github.com/johnnydxm/dwaybank-auth/internal/security"
	"github.com/johnnydxm/dwaybank-auth/internal/service"
	"github.com/johnnydxm/dwaybank-auth/internal/tools/common"
)

func main() {
	root := &cobra.Command{Use: "dwaybank-auth", Short: "Authentication and OAuth2 provider"}
	root.AddCommand(newServeCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := common.LoadEnvFile(envFile); err != nil {
				return err
			}
			return serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional env file loaded before config")
	return cmd
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, loggerProvider, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger)

	runtime, err := observability.InitRuntime(ctx, cfg, logger, loggerProvider)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&domain.User{}); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	sessions := registry.NewRedisSessionRegistry(redisClient, "auth")

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret, cfg.JWTRefreshSecret)
	hasher := security.NewPasswordHasher(cfg.BcryptCost, cfg.PasswordMinLength)
	users := repository.NewUserRepository(db)

	tokens := service.NewTokenService(jwtMgr, sessions, cfg.TokenPepper, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	authSvc := service.NewAuthService(users, sessions, tokens, hasher, &service.LogNotifier{Logger: logger}, service.AuthConfig{
		AccessTTL:            cfg.AccessTokenTTL,
		RefreshTTL:           cfg.RefreshTokenTTL,
		RememberMeRefreshTTL: cfg.RememberMeRefreshTTL,
		MFAChallengeTTL:      cfg.MFAChallengeTTL,
		MFAMaxAttempts:       cfg.MFAMaxAttempts,
		EmailVerificationTTL: cfg.EmailVerificationTTL,
	}, logger)
	sessionSvc := service.NewSessionService(sessions)
	clients := service.NewClientRegistry(cfg.OAuthClients)
	oauthSvc := service.NewOAuthService(clients, users, sessions, tokens, jwtMgr, cfg.AuthorizationCodeTTL, cfg.BaseURL)

	readiness := health.NewProbeRunner(2 * time.Second)
	readiness.Register("redis", sessions.Ping)
	readiness.Register("database", func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})

	mux := router.NewRouter(router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(authSvc, sessionSvc),
		OAuthHandler:     handler.NewOAuthHandler(oauthSvc),
		JWTManager:       jwtMgr,
		SessionRegistry:  sessions,
		CORSOrigins:      cfg.CORSOrigins,
		AuthRateLimitRPM: cfg.AuthRateLimitRPM,
		MFARateLimitRPM:  cfg.MFARateLimitRPM,
		APIRateLimitRPM:  cfg.APIRateLimitRPM,
		RateLimitScope:   cfg.RateLimitScope,
		Readiness:        readiness,
		EnableOTelHTTP:   cfg.EnableOTelHTTP,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a := app.New(cfg, logger, server, runtime, readiness, nil)
	a.OnShutdown(func(ctx context.Context) error { return redisClient.Close() })
	a.OnShutdown(func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	return a.Run(ctx)
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	switch cfg.DatabaseDriver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DatabaseDSN), gormCfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DatabaseDSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
