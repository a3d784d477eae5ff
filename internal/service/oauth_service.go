package service

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
	"github.com/johnnydxm/dwaybank-auth/internal/observability"
	"github.com/johnnydxm/dwaybank-auth/internal/registry"
	"github.com/johnnydxm/dwaybank-auth/internal/repository"
	"github.com/johnnydxm/dwaybank-auth/internal/security"
)

// OAuthError carries an RFC 6749 error code for the wire.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string { return e.Code + ": " + e.Description }

func oauthErr(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

type AuthorizeResultKind int

const (
	AuthorizeRedirect AuthorizeResultKind = iota
	AuthorizeLoginRequired
	AuthorizeError
)

// AuthorizeResult is a discriminated outcome: the route layer turns it into
// a redirect without the service ever touching the response writer.
type AuthorizeResult struct {
	Kind        AuthorizeResultKind
	RedirectURL string
	Err         *OAuthError
}

type TokenParams struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

type OAuthService struct {
	clients  *ClientRegistry
	users    repository.UserRepository
	sessions registry.SessionRegistry
	tokens   *TokenService
	jwtMgr   *security.JWTManager
	codeTTL  time.Duration
	baseURL  string
}

func NewOAuthService(
	clients *ClientRegistry,
	users repository.UserRepository,
	sessions registry.SessionRegistry,
	tokens *TokenService,
	jwtMgr *security.JWTManager,
	codeTTL time.Duration,
	baseURL string,
) *OAuthService {
	return &OAuthService{
		clients:  clients,
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		jwtMgr:   jwtMgr,
		codeTTL:  codeTTL,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// Authorize validates the request against the client registry and, given an
// authenticated user, issues a single-use code bound to client, redirect URI,
// scope and PKCE parameters.
func (s *OAuthService) Authorize(ctx context.Context, params AuthorizeParams, userID uint) *AuthorizeResult {
	client, ok := s.clients.Lookup(params.ClientID)
	if !ok {
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("invalid_client", "unknown client_id")}
	}
	if !slices.Contains(client.RedirectURIs, params.RedirectURI) {
		// Redirect URI mismatch must never redirect: the target is untrusted.
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("invalid_client", "redirect_uri not registered")}
	}
	if params.ResponseType != "code" {
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("unsupported_response_type", "only response_type=code is supported")}
	}
	if !slices.Contains(client.AllowedGrants, "authorization_code") {
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("unauthorized_client", "client not allowed authorization_code")}
	}
	scopes := strings.Fields(params.Scope)
	for _, scope := range scopes {
		if !slices.Contains(client.AllowedScopes, scope) {
			return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("invalid_scope", fmt.Sprintf("scope %q not allowed", scope))}
		}
	}
	if params.CodeChallenge != "" && params.CodeChallengeMethod != "" && params.CodeChallengeMethod != "S256" && params.CodeChallengeMethod != "plain" {
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("invalid_request", "unsupported code_challenge_method")}
	}
	if client.Public && params.CodeChallenge == "" {
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("invalid_request", "public clients must use PKCE")}
	}

	if userID == 0 {
		return &AuthorizeResult{Kind: AuthorizeLoginRequired}
	}

	code, err := security.NewOpaqueToken(32)
	if err != nil {
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("server_error", "code generation failed")}
	}
	record := &domain.AuthorizationCode{
		ClientID:            client.ID,
		UserID:              userID,
		RedirectURI:         params.RedirectURI,
		Scope:               scopes,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		Nonce:               params.Nonce,
		IssuedAt:            time.Now().UTC(),
	}
	if err := s.sessions.PutAuthorizationCode(ctx, code, record, s.codeTTL); err != nil {
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("server_error", "code storage failed")}
	}
	observability.RecordOAuthAuthorize(ctx, client.ID, "code_issued")

	redirect, err := url.Parse(params.RedirectURI)
	if err != nil {
		return &AuthorizeResult{Kind: AuthorizeError, Err: oauthErr("invalid_client", "redirect_uri unparsable")}
	}
	q := redirect.Query()
	q.Set("code", code)
	if params.State != "" {
		q.Set("state", params.State)
	}
	redirect.RawQuery = q.Encode()
	return &AuthorizeResult{Kind: AuthorizeRedirect, RedirectURL: redirect.String()}
}

// Token handles the authorization_code and refresh_token grants.
func (s *OAuthService) Token(ctx context.Context, params TokenParams) (*TokenResponse, error) {
	client, err := s.authenticateClient(params.ClientID, params.ClientSecret)
	if err != nil {
		return nil, err
	}
	switch params.GrantType {
	case "authorization_code":
		return s.exchangeCode(ctx, client, params)
	case "refresh_token":
		return s.refreshGrant(ctx, client, params)
	default:
		return nil, oauthErr("unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (s *OAuthService) exchangeCode(ctx context.Context, client *domain.OAuthClient, params TokenParams) (*TokenResponse, error) {
	if !slices.Contains(client.AllowedGrants, "authorization_code") {
		return nil, oauthErr("unauthorized_client", "client not allowed authorization_code")
	}
	record, err := s.sessions.ConsumeAuthorizationCode(ctx, params.Code)
	if err != nil {
		// Missing, expired and already-consumed codes are indistinguishable.
		observability.RecordOAuthToken(ctx, client.ID, "authorization_code", "invalid_grant")
		return nil, oauthErr("invalid_grant", "code is invalid, expired or already used")
	}
	if record.ClientID != client.ID {
		observability.RecordOAuthToken(ctx, client.ID, "authorization_code", "client_mismatch")
		return nil, oauthErr("invalid_grant", "code was issued to a different client")
	}
	if record.RedirectURI != params.RedirectURI {
		observability.RecordOAuthToken(ctx, client.ID, "authorization_code", "redirect_mismatch")
		return nil, oauthErr("invalid_grant", "redirect_uri mismatch")
	}
	if record.CodeChallenge != "" || params.CodeVerifier != "" {
		if !security.VerifyPKCE(params.CodeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
			observability.RecordOAuthToken(ctx, client.ID, "authorization_code", "pkce_failed")
			return nil, oauthErr("invalid_grant", "PKCE verification failed")
		}
	}

	user, err := s.users.FindByID(record.UserID)
	if err != nil {
		return nil, oauthErr("invalid_grant", "subject no longer available")
	}
	pair, _, err := s.tokens.Issue(ctx, user, record.Scope, registry.SessionMetadata{UserAgent: "oauth:" + client.ID}, 0)
	if err != nil {
		return nil, oauthErr("server_error", "token issuance failed")
	}
	resp := &TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        strings.Join(record.Scope, " "),
	}
	if slices.Contains(record.Scope, "openid") {
		idToken, err := s.jwtMgr.SignIDToken(user, client.ID, record.Nonce, record.Scope, s.tokens.AccessTTL())
		if err != nil {
			return nil, oauthErr("server_error", "id token issuance failed")
		}
		resp.IDToken = idToken
	}
	observability.RecordOAuthToken(ctx, client.ID, "authorization_code", "success")
	return resp, nil
}

func (s *OAuthService) refreshGrant(ctx context.Context, client *domain.OAuthClient, params TokenParams) (*TokenResponse, error) {
	if !slices.Contains(client.AllowedGrants, "refresh_token") {
		return nil, oauthErr("unauthorized_client", "client not allowed refresh_token")
	}
	scopes := intersectScopes(client.AllowedScopes, defaultScopes)
	var user *domain.User
	pair, _, err := s.tokens.Rotate(ctx, params.RefreshToken, func(id uint) (*domain.User, error) {
		u, err := s.users.FindByID(id)
		if err != nil {
			return nil, err
		}
		user = u
		return u, nil
	}, scopes)
	if err != nil {
		observability.RecordOAuthToken(ctx, client.ID, "refresh_token", "invalid_grant")
		return nil, oauthErr("invalid_grant", "refresh token is invalid or revoked")
	}
	resp := &TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        strings.Join(scopes, " "),
	}
	if slices.Contains(scopes, "openid") {
		idToken, err := s.jwtMgr.SignIDToken(user, client.ID, "", scopes, s.tokens.AccessTTL())
		if err != nil {
			return nil, oauthErr("server_error", "id token issuance failed")
		}
		resp.IDToken = idToken
	}
	observability.RecordOAuthToken(ctx, client.ID, "refresh_token", "success")
	return resp, nil
}

// Revoke is best-effort per RFC 7009: the caller always sees success, so a
// probe cannot learn whether a token existed.
func (s *OAuthService) Revoke(ctx context.Context, clientID, clientSecret, token, tokenTypeHint string) error {
	if _, err := s.authenticateClient(clientID, clientSecret); err != nil {
		return err
	}
	if tokenTypeHint != "access_token" {
		if claims, err := s.jwtMgr.ParseRefreshToken(token); err == nil {
			_ = s.sessions.RevokeFamily(ctx, claims.FamilyID, "client_revocation")
			_ = s.sessions.RevokeSession(ctx, claims.SessionID, "client_revocation")
			return nil
		}
	}
	if claims, err := s.jwtMgr.ParseAccessToken(token); err == nil {
		_ = s.sessions.RevokeSession(ctx, claims.SessionID, "client_revocation")
	}
	return nil
}

// Introspect never errors on bad input; anything unverifiable is inactive.
func (s *OAuthService) Introspect(ctx context.Context, clientID, clientSecret, token string) (*IntrospectionResponse, error) {
	if _, err := s.authenticateClient(clientID, clientSecret); err != nil {
		return nil, err
	}
	inactive := &IntrospectionResponse{Active: false}
	claims, err := s.jwtMgr.ParseAccessToken(token)
	tokenType := "access_token"
	if err != nil {
		claims, err = s.jwtMgr.ParseRefreshToken(token)
		tokenType = "refresh_token"
	}
	if err != nil {
		return inactive, nil
	}
	if claims.SessionID != "" {
		active, checkErr := s.sessions.IsSessionActive(ctx, claims.SessionID)
		if checkErr != nil || !active {
			return inactive, nil
		}
	}
	return &IntrospectionResponse{
		Active:    true,
		Subject:   claims.Subject,
		Scope:     claims.Scope,
		ClientID:  clientID,
		TokenType: tokenType,
		ExpiresAt: claims.ExpiresAt.Unix(),
		IssuedAt:  claims.IssuedAt.Unix(),
	}, nil
}

// UserInfo returns the standard claims for a bearer access token, gated by
// the token's scopes.
func (s *OAuthService) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	claims, err := s.jwtMgr.ParseAccessToken(accessToken)
	if err != nil {
		return nil, oauthErr("invalid_token", "access token is invalid or expired")
	}
	if claims.SessionID != "" {
		active, checkErr := s.sessions.IsSessionActive(ctx, claims.SessionID)
		if checkErr != nil || !active {
			return nil, oauthErr("invalid_token", "access token is invalid or expired")
		}
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, oauthErr("invalid_token", "access token is invalid or expired")
	}
	user, err := s.users.FindByID(userID)
	if err != nil {
		return nil, oauthErr("invalid_token", "access token is invalid or expired")
	}
	info := map[string]any{"sub": claims.Subject}
	for _, scope := range claims.Scopes() {
		switch scope {
		case "email":
			info["email"] = user.Email
			info["email_verified"] = user.EmailVerified
		case "profile":
			info["name"] = user.DisplayName()
			info["given_name"] = user.FirstName
			info["family_name"] = user.LastName
			if user.Picture != "" {
				info["picture"] = user.Picture
			}
			if user.Locale != "" {
				info["locale"] = user.Locale
			}
		}
	}
	return info, nil
}

// Discovery is static apart from base-URL interpolation.
func (s *OAuthService) Discovery() *DiscoveryDocument {
	return &DiscoveryDocument{
		Issuer:                            s.baseURL,
		AuthorizationEndpoint:             s.baseURL + "/oauth/authorize",
		TokenEndpoint:                     s.baseURL + "/oauth/token",
		UserinfoEndpoint:                  s.baseURL + "/oauth/userinfo",
		RevocationEndpoint:                s.baseURL + "/oauth/revoke",
		IntrospectionEndpoint:             s.baseURL + "/oauth/introspect",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"HS256"},
		ScopesSupported:                   []string{"openid", "profile", "email", "offline_access"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		ClaimsSupported:                   []string{"sub", "email", "email_verified", "name", "given_name", "family_name", "picture", "locale"},
	}
}

func (s *OAuthService) authenticateClient(clientID, clientSecret string) (*domain.OAuthClient, error) {
	client, ok := s.clients.Lookup(clientID)
	if !ok {
		return nil, oauthErr("invalid_client", "client authentication failed")
	}
	if client.Public {
		return client, nil
	}
	if !security.SecureCompare(client.Secret, clientSecret) {
		return nil, oauthErr("invalid_client", "client authentication failed")
	}
	return client, nil
}

func intersectScopes(allowed, requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}
