package security

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
)

// VerifyReason classifies why a token failed verification. Only token-issuing
// code may branch on it; external surfaces collapse every reason into one
// generic failure so the error shape leaks nothing.
type VerifyReason string

const (
	ReasonExpired      VerifyReason = "expired"
	ReasonMalformed    VerifyReason = "malformed"
	ReasonBadSignature VerifyReason = "bad_signature"
)

type VerifyError struct {
	Reason VerifyReason
	Err    error
}

func (e *VerifyError) Error() string { return fmt.Sprintf("token %s: %v", e.Reason, e.Err) }
func (e *VerifyError) Unwrap() error { return e.Err }

type Claims struct {
	TokenType string `json:"token_type"`
	Scope     string `json:"scope,omitempty"`
	SessionID string `json:"sid,omitempty"`
	FamilyID  string `json:"fid,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() (uint, error) {
	id64, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse subject: %w", err)
	}
	return uint(id64), nil
}

func (c *Claims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// IDTokenClaims carries the OIDC claims released to a client, gated by the
// scopes granted at authorization time.
type IDTokenClaims struct {
	Nonce         string `json:"nonce,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Locale        string `json:"locale,omitempty"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	issuer        string
	audience      string
	accessSecret  []byte
	refreshSecret []byte
}

func NewJWTManager(issuer, audience, accessSecret, refreshSecret string) *JWTManager {
	return &JWTManager{
		issuer:        issuer,
		audience:      audience,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
	}
}

func (m *JWTManager) Issuer() string { return m.issuer }

func (m *JWTManager) SignAccessToken(user *domain.User, sessionID string, scopes []string, ttl time.Duration) (string, error) {
	claims := Claims{
		TokenType: "access",
		Scope:     strings.Join(scopes, " "),
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", user.ID),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
}

func (m *JWTManager) SignRefreshToken(user *domain.User, sessionID, familyID string, ttl time.Duration) (string, error) {
	claims := Claims{
		TokenType: "refresh",
		SessionID: sessionID,
		FamilyID:  familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", user.ID),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.refreshSecret)
}

// SignIDToken mints the OIDC ID token for an authorization-code or refresh
// grant. Claim release follows the granted scopes: "email" unlocks the email
// claims, "profile" unlocks name/picture/locale.
func (m *JWTManager) SignIDToken(user *domain.User, clientID, nonce string, scopes []string, ttl time.Duration) (string, error) {
	claims := IDTokenClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", user.ID),
			Audience:  []string{clientID},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	for _, scope := range scopes {
		switch scope {
		case "email":
			verified := user.EmailVerified
			claims.Email = user.Email
			claims.EmailVerified = &verified
		case "profile":
			claims.Name = user.DisplayName()
			claims.GivenName = user.FirstName
			claims.FamilyName = user.LastName
			claims.Picture = user.Picture
			claims.Locale = user.Locale
		}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
}

func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	return m.parse(raw, m.accessSecret, "access")
}

func (m *JWTManager) ParseRefreshToken(raw string) (*Claims, error) {
	return m.parse(raw, m.refreshSecret, "refresh")
}

func (m *JWTManager) parse(raw string, secret []byte, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience))
	if err != nil {
		return nil, &VerifyError{Reason: classifyParseError(err), Err: err}
	}
	if !tok.Valid {
		return nil, &VerifyError{Reason: ReasonMalformed, Err: errors.New("invalid token")}
	}
	if claims.TokenType != tokenType {
		return nil, &VerifyError{Reason: ReasonMalformed, Err: fmt.Errorf("unexpected token type: %s", claims.TokenType)}
	}
	return claims, nil
}

func classifyParseError(err error) VerifyReason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonBadSignature
	default:
		return ReasonMalformed
	}
}
