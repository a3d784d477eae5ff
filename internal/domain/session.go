package domain

import "time"

// Session is one authenticated device context. It lives in the session
// registry under a TTL equal to the refresh-token lifetime; the registry key
// is the opaque session id, never the token itself.
type Session struct {
	ID               string     `json:"id"`
	UserID           uint       `json:"user_id"`
	FamilyID         string     `json:"family_id"`
	CurrentTokenHash string     `json:"current_token_hash"`
	UserAgent        string     `json:"user_agent"`
	IP               string     `json:"ip"`
	CreatedAt        time.Time  `json:"created_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedReason    string     `json:"revoked_reason,omitempty"`
}

func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// AuthorizationCode binds an issued code to the client, user and PKCE
// parameters it was minted for. Stored transiently keyed by the code value
// and deleted on first exchange.
type AuthorizationCode struct {
	ClientID            string    `json:"client_id"`
	UserID              uint      `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               []string  `json:"scope"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	IssuedAt            time.Time `json:"issued_at"`
}

// MFAChallenge links a partially authenticated login attempt to the user's
// enrolled second factors until a code resolves or the challenge expires.
type MFAChallenge struct {
	UserID           uint        `json:"user_id"`
	Methods          []MFAMethod `json:"methods"`
	DeliveredCodeSum string      `json:"delivered_code_sum,omitempty"`
	RememberMe       bool        `json:"remember_me"`
	UserAgent        string      `json:"user_agent"`
	IP               string      `json:"ip"`
	Attempts         int         `json:"attempts"`
	IssuedAt         time.Time   `json:"issued_at"`
}

// OAuthClient is a static registry entry. Read-only at runtime.
type OAuthClient struct {
	ID            string   `json:"id"`
	Secret        string   `json:"secret,omitempty"`
	Name          string   `json:"name"`
	RedirectURIs  []string `json:"redirect_uris"`
	AllowedGrants []string `json:"allowed_grants"`
	AllowedScopes []string `json:"allowed_scopes"`
	Public        bool     `json:"public"`
}
