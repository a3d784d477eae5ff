package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
	"github.com/johnnydxm/dwaybank-auth/internal/observability"
	"github.com/johnnydxm/dwaybank-auth/internal/registry"
	"github.com/johnnydxm/dwaybank-auth/internal/security"
)

var (
	ErrInvalidRefreshToken       = errors.New("invalid refresh token")
	ErrRefreshTokenReuseDetected = errors.New("refresh token reuse detected")
)

type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

type TokenService struct {
	jwtMgr     *security.JWTManager
	sessions   registry.SessionRegistry
	pepper     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenService(jwtMgr *security.JWTManager, sessions registry.SessionRegistry, pepper string, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		jwtMgr:     jwtMgr,
		sessions:   sessions,
		pepper:     pepper,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// Issue creates a new session plus a token pair for it. The refresh token is
// recorded in the registry by hash only.
func (s *TokenService) Issue(ctx context.Context, user *domain.User, scopes []string, meta registry.SessionMetadata, refreshTTL time.Duration) (*TokenPair, *domain.Session, error) {
	if refreshTTL <= 0 {
		refreshTTL = s.refreshTTL
	}
	session, err := s.sessions.CreateSession(ctx, user.ID, meta, refreshTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	pair, err := s.mint(user, session, scopes, refreshTTL)
	if err != nil {
		return nil, nil, err
	}
	if err := s.sessions.BindRefreshToken(ctx, session.ID, security.HashRefreshToken(pair.RefreshToken, s.pepper)); err != nil {
		return nil, nil, fmt.Errorf("bind refresh token: %w", err)
	}
	return pair, session, nil
}

// Rotate validates a presented refresh token and swaps the family's current
// token for a new pair. A stale-but-valid token from the same family is a
// replay signal: the whole family is revoked and the caller gets
// ErrRefreshTokenReuseDetected.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string, fetchUser func(id uint) (*domain.User, error), scopes []string) (*TokenPair, *domain.Session, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(refreshToken)
	if err != nil {
		return nil, nil, ErrInvalidRefreshToken
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, nil, ErrInvalidRefreshToken
	}
	user, err := fetchUser(userID)
	if err != nil {
		return nil, nil, ErrInvalidRefreshToken
	}

	session := &domain.Session{ID: claims.SessionID, UserID: userID, FamilyID: claims.FamilyID}
	newRefresh, err := s.jwtMgr.SignRefreshToken(user, session.ID, session.FamilyID, s.refreshTTL)
	if err != nil {
		return nil, nil, err
	}
	presentedHash := security.HashRefreshToken(refreshToken, s.pepper)
	newHash := security.HashRefreshToken(newRefresh, s.pepper)

	result, err := s.sessions.RotateRefreshToken(ctx, session.ID, presentedHash, newHash, s.refreshTTL)
	if err != nil {
		return nil, nil, err
	}
	switch result {
	case registry.RotateOK:
	case registry.RotateReuseDetected:
		observability.RecordTokenReuse(ctx)
		if claims.FamilyID != "" {
			_ = s.sessions.RevokeFamily(ctx, claims.FamilyID, "reuse_detected")
		}
		return nil, nil, ErrRefreshTokenReuseDetected
	default:
		return nil, nil, ErrInvalidRefreshToken
	}

	access, err := s.jwtMgr.SignAccessToken(user, session.ID, scopes, s.accessTTL)
	if err != nil {
		return nil, nil, err
	}
	pair := &TokenPair{
		AccessToken:      access,
		RefreshToken:     newRefresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.accessTTL.Seconds()),
		RefreshExpiresIn: int64(s.refreshTTL.Seconds()),
	}
	return pair, session, nil
}

func (s *TokenService) RevokeSession(ctx context.Context, sessionID, reason string) error {
	return s.sessions.RevokeSession(ctx, sessionID, reason)
}

func (s *TokenService) RevokeAll(ctx context.Context, userID uint, reason string) (int, error) {
	return s.sessions.RevokeAllForUser(ctx, userID, reason)
}

func (s *TokenService) mint(user *domain.User, session *domain.Session, scopes []string, refreshTTL time.Duration) (*TokenPair, error) {
	access, err := s.jwtMgr.SignAccessToken(user, session.ID, scopes, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.jwtMgr.SignRefreshToken(user, session.ID, session.FamilyID, refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.accessTTL.Seconds()),
		RefreshExpiresIn: int64(refreshTTL.Seconds()),
	}, nil
}
