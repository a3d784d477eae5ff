package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
	"github.com/johnnydxm/dwaybank-auth/internal/observability"
	"github.com/johnnydxm/dwaybank-auth/internal/registry"
	"github.com/johnnydxm/dwaybank-auth/internal/repository"
	"github.com/johnnydxm/dwaybank-auth/internal/security"
)

var (
	ErrUserAlreadyExists       = errors.New("user already exists")
	ErrWeakPassword            = errors.New("password too weak")
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrAccountNotVerified      = errors.New("account not verified")
	ErrAccountLocked           = errors.New("account locked")
	ErrAccountClosed           = errors.New("account closed")
	ErrMfaVerificationFailed   = errors.New("mfa verification failed")
	ErrMfaChallengeExpired     = errors.New("mfa challenge expired")
	ErrInvalidCurrentPassword  = errors.New("current password incorrect")
	ErrVerificationTokenInvalid = errors.New("verification token invalid or expired")
)

// Notifier delivers out-of-band artifacts (verification links, MFA codes).
// Delivery transport is an external collaborator.
type Notifier interface {
	SendVerificationEmail(ctx context.Context, user *domain.User, token string) error
	SendMFACode(ctx context.Context, user *domain.User, method domain.MFAMethod, code string) error
}

// LogNotifier is the development fallback: it only logs that an artifact was
// produced, never the artifact itself.
type LogNotifier struct{ Logger *slog.Logger }

func (n *LogNotifier) SendVerificationEmail(ctx context.Context, user *domain.User, token string) error {
	n.Logger.InfoContext(ctx, "verification email queued", "user_id", user.ID)
	return nil
}

func (n *LogNotifier) SendMFACode(ctx context.Context, user *domain.User, method domain.MFAMethod, code string) error {
	n.Logger.InfoContext(ctx, "mfa code queued", "user_id", user.ID, "method", string(method))
	return nil
}

type AuthConfig struct {
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	RememberMeRefreshTTL time.Duration
	MFAChallengeTTL      time.Duration
	MFAMaxAttempts       int
	EmailVerificationTTL time.Duration
}

type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

type RegisterResult struct {
	User                 *domain.User
	VerificationRequired bool
}

type LoginResult struct {
	User        *domain.User
	Tokens      *TokenPair
	Session     *domain.Session
	MFARequired bool
	ChallengeID string
	MFAMethods  []domain.MFAMethod
}

// defaultScopes are granted on first-party logins.
var defaultScopes = []string{"openid", "profile", "email"}

type AuthService struct {
	users    repository.UserRepository
	sessions registry.SessionRegistry
	tokens   *TokenService
	hasher   *security.PasswordHasher
	notifier Notifier
	cfg      AuthConfig
	logger   *slog.Logger
}

func NewAuthService(
	users repository.UserRepository,
	sessions registry.SessionRegistry,
	tokens *TokenService,
	hasher *security.PasswordHasher,
	notifier Notifier,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		hasher:   hasher,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register creates an account in pending_verification and queues a
// verification artifact. No tokens are issued until the email is verified.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	if err := s.hasher.CheckPolicy(in.Password); err != nil {
		return nil, ErrWeakPassword
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Status:       domain.StatusPendingVerification,
	}
	if err := s.users.Create(user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}

	token, err := security.NewOpaqueToken(32)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.PutVerificationToken(ctx, token, user.ID, s.cfg.EmailVerificationTTL); err != nil {
		return nil, err
	}
	if err := s.notifier.SendVerificationEmail(ctx, user, token); err != nil {
		s.logger.ErrorContext(ctx, "verification email delivery failed", "user_id", user.ID, "error", err)
	}
	observability.RecordAuthRegistration(ctx, "success")
	return &RegisterResult{User: user, VerificationRequired: true}, nil
}

// VerifyEmail consumes a verification token and activates the account.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	userID, err := s.sessions.ConsumeVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, registry.ErrTokenNotFound) {
			return ErrVerificationTokenInvalid
		}
		return err
	}
	user, err := s.users.FindByID(userID)
	if err != nil {
		return ErrVerificationTokenInvalid
	}
	user.EmailVerified = true
	if user.Status == domain.StatusPendingVerification {
		user.Status = domain.StatusActive
	}
	return s.users.Update(user)
}

// Login verifies credentials and either issues tokens or opens an MFA
// challenge. The user-not-found and wrong-password paths return the same
// error after the same bcrypt work, so callers cannot enumerate accounts.
func (s *AuthService) Login(ctx context.Context, email, password string, rememberMe bool, meta registry.SessionMetadata) (*LoginResult, error) {
	user, err := s.users.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.hasher.VerifyDummy(password)
			observability.RecordAuthLogin(ctx, "invalid_credentials")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		observability.RecordAuthLogin(ctx, "invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	switch user.Status {
	case domain.StatusActive:
	case domain.StatusPendingVerification:
		observability.RecordAuthLogin(ctx, "not_verified")
		return nil, ErrAccountNotVerified
	case domain.StatusLocked:
		observability.RecordAuthLogin(ctx, "locked")
		return nil, ErrAccountLocked
	default:
		observability.RecordAuthLogin(ctx, "closed")
		return nil, ErrAccountClosed
	}

	if user.MFAEnabled {
		challenge := &domain.MFAChallenge{
			UserID:     user.ID,
			Methods:    user.MFAMethods(),
			RememberMe: rememberMe,
			UserAgent:  meta.UserAgent,
			IP:         meta.IP,
			IssuedAt:   time.Now().UTC(),
		}
		for _, method := range challenge.Methods {
			if method == domain.MFAMethodSMS || method == domain.MFAMethodEmail {
				code, err := security.NewNumericCode(6)
				if err != nil {
					return nil, err
				}
				challenge.DeliveredCodeSum = security.HashDeliveredCode(code)
				if err := s.notifier.SendMFACode(ctx, user, method, code); err != nil {
					s.logger.ErrorContext(ctx, "mfa code delivery failed", "user_id", user.ID, "error", err)
				}
				break
			}
		}
		challengeID, err := s.sessions.CreateMFAChallenge(ctx, challenge, s.cfg.MFAChallengeTTL)
		if err != nil {
			return nil, err
		}
		observability.RecordAuthLogin(ctx, "mfa_required")
		return &LoginResult{User: user, MFARequired: true, ChallengeID: challengeID, MFAMethods: challenge.Methods}, nil
	}

	return s.completeLogin(ctx, user, rememberMe, meta)
}

// VerifyMFAChallenge resolves a pending challenge with a TOTP or delivered
// code. Failures bump an attempt counter; the cap invalidates the challenge.
func (s *AuthService) VerifyMFAChallenge(ctx context.Context, challengeID, code string, mfaType domain.MFAMethod) (*LoginResult, error) {
	challenge, err := s.sessions.GetMFAChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, registry.ErrChallengeNotFound) {
			return nil, ErrMfaChallengeExpired
		}
		return nil, err
	}
	user, err := s.users.FindByID(challenge.UserID)
	if err != nil {
		_ = s.sessions.CompleteMFAChallenge(ctx, challengeID)
		return nil, ErrMfaVerificationFailed
	}

	var ok bool
	switch mfaType {
	case domain.MFAMethodTOTP, "":
		if user.TOTPSecret != "" {
			ok, err = security.VerifyTOTP(user.TOTPSecret, code, time.Now())
			if err != nil {
				return nil, err
			}
		}
	case domain.MFAMethodSMS, domain.MFAMethodEmail:
		ok = challenge.DeliveredCodeSum != "" && security.VerifyDeliveredCode(challenge.DeliveredCodeSum, code)
	}

	if !ok {
		invalidated, failErr := s.sessions.FailMFAAttempt(ctx, challengeID, s.cfg.MFAMaxAttempts)
		if failErr != nil && !errors.Is(failErr, registry.ErrChallengeNotFound) {
			return nil, failErr
		}
		observability.RecordMFAVerification(ctx, "failure")
		if invalidated {
			observability.Audit(ctx, "mfa.challenge.invalidated", "user_id", user.ID)
			return nil, ErrMfaChallengeExpired
		}
		return nil, ErrMfaVerificationFailed
	}

	if err := s.sessions.CompleteMFAChallenge(ctx, challengeID); err != nil {
		return nil, err
	}
	observability.RecordMFAVerification(ctx, "success")
	return s.completeLogin(ctx, user, challenge.RememberMe, registry.SessionMetadata{UserAgent: challenge.UserAgent, IP: challenge.IP})
}

// RefreshTokens rotates the presented refresh token. Reuse detection revokes
// the family and surfaces only a generic invalid-token error outward.
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken string) (*LoginResult, error) {
	var user *domain.User
	pair, session, err := s.tokens.Rotate(ctx, refreshToken, func(id uint) (*domain.User, error) {
		u, err := s.users.FindByID(id)
		if err != nil {
			return nil, err
		}
		user = u
		return u, nil
	}, defaultScopes)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenReuseDetected) {
			observability.Audit(ctx, "token.reuse_detected", "family_revoked", true)
			observability.RecordAuthRefresh(ctx, "reuse_detected")
			return nil, ErrInvalidRefreshToken
		}
		observability.RecordAuthRefresh(ctx, "invalid")
		return nil, ErrInvalidRefreshToken
	}
	observability.RecordAuthRefresh(ctx, "success")
	return &LoginResult{User: user, Tokens: pair, Session: session}, nil
}

// Logout revokes the current session, or every session the user holds.
func (s *AuthService) Logout(ctx context.Context, userID uint, sessionID string, allDevices bool) error {
	if allDevices {
		n, err := s.sessions.RevokeAllForUser(ctx, userID, "logout_all_devices")
		if err != nil {
			return err
		}
		observability.Audit(ctx, "auth.logout_all", "user_id", userID, "sessions_revoked", n)
		observability.RecordAuthLogout(ctx, "all_devices")
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, sessionID, "logout"); err != nil {
		return err
	}
	observability.RecordAuthLogout(ctx, "single")
	return nil
}

// ChangePassword re-hashes the credential and revokes every session so a
// credential compromise cannot ride existing refresh tokens.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint, currentPassword, newPassword string) error {
	user, err := s.users.FindByID(userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(user.PasswordHash, currentPassword) {
		return ErrInvalidCurrentPassword
	}
	if err := s.hasher.CheckPolicy(newPassword); err != nil {
		return ErrWeakPassword
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(userID, hash); err != nil {
		return err
	}
	n, err := s.sessions.RevokeAllForUser(ctx, userID, "password_changed")
	if err != nil {
		return err
	}
	observability.Audit(ctx, "auth.password_changed", "user_id", userID, "sessions_revoked", n)
	return nil
}

func (s *AuthService) GetUser(ctx context.Context, userID uint) (*domain.User, error) {
	return s.users.FindByID(userID)
}

func (s *AuthService) completeLogin(ctx context.Context, user *domain.User, rememberMe bool, meta registry.SessionMetadata) (*LoginResult, error) {
	refreshTTL := s.cfg.RefreshTTL
	if rememberMe && s.cfg.RememberMeRefreshTTL > refreshTTL {
		refreshTTL = s.cfg.RememberMeRefreshTTL
	}
	pair, session, err := s.tokens.Issue(ctx, user, defaultScopes, meta, refreshTTL)
	if err != nil {
		return nil, err
	}
	if err := s.users.TouchLastLogin(user.ID, time.Now().UTC()); err != nil {
		s.logger.WarnContext(ctx, "last login update failed", "user_id", user.ID, "error", err)
	}
	observability.RecordAuthLogin(ctx, "success")
	return &LoginResult{User: user, Tokens: pair, Session: session}, nil
}
