package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func (s *stack) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "web-app",
		ClientSecret: "web-secret",
		RedirectURL:  "https://app.example.com/callback",
		Scopes:       []string{"openid", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.server.URL + "/oauth/authorize",
			TokenURL:  s.server.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// authorize drives the authorization endpoint the way a browser with a
// first-party session would and returns the code from the redirect.
func (s *stack) authorize(t *testing.T, conf *oauth2.Config, bearer string, opts ...oauth2.AuthCodeOption) string {
	t.Helper()
	authURL := conf.AuthCodeURL("state-123", opts...)
	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	if err != nil {
		t.Fatalf("authorize request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize: expected 302, got %d", resp.StatusCode)
	}
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	if !strings.HasPrefix(location.String(), conf.RedirectURL) {
		t.Fatalf("redirect went to %q, want prefix %q", location, conf.RedirectURL)
	}
	if location.Query().Get("state") != "state-123" {
		t.Fatalf("state did not round-trip: %q", location.Query().Get("state"))
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatal("no authorization code in redirect")
	}
	return code
}

func TestOAuthAuthorizationCodeFlowWithPKCE(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	userTokens := s.registerAndLogin(t, "oauth-user@example.com")
	conf := s.oauthConfig()

	verifier := oauth2.GenerateVerifier()
	code := s.authorize(t, conf, userTokens.AccessToken, oauth2.S256ChallengeOption(verifier))

	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens from exchange")
	}
	if token.TokenType != "Bearer" {
		t.Fatalf("expected Bearer, got %q", token.TokenType)
	}
	if idToken, ok := token.Extra("id_token").(string); !ok || idToken == "" {
		t.Fatal("expected an id_token for the openid scope")
	}

	// The issued access token works against userinfo via the oauth2 client.
	authed := conf.Client(ctx, token)
	resp, err := authed.Get(s.server.URL + "/oauth/userinfo")
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("userinfo: expected 200, got %d", resp.StatusCode)
	}
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode userinfo: %v", err)
	}
	if info["email"] != "oauth-user@example.com" {
		t.Fatalf("unexpected userinfo email: %v", info["email"])
	}
	if _, hasName := info["name"]; hasName {
		t.Fatal("name must not be released without the profile scope")
	}
}

func TestOAuthCodeReplayFails(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	userTokens := s.registerAndLogin(t, "replay@example.com")
	conf := s.oauthConfig()

	verifier := oauth2.GenerateVerifier()
	code := s.authorize(t, conf, userTokens.AccessToken, oauth2.S256ChallengeOption(verifier))

	if _, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier)); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier)); err == nil {
		t.Fatal("expected code replay to fail")
	}
}

func TestOAuthRefreshGrantViaTokenSource(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	userTokens := s.registerAndLogin(t, "tokensource@example.com")
	conf := s.oauthConfig()

	verifier := oauth2.GenerateVerifier()
	code := s.authorize(t, conf, userTokens.AccessToken, oauth2.S256ChallengeOption(verifier))
	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// Force the token source down the refresh_token grant.
	stale := &oauth2.Token{RefreshToken: token.RefreshToken}
	fresh, err := conf.TokenSource(ctx, stale).Token()
	if err != nil {
		t.Fatalf("refresh via token source: %v", err)
	}
	if fresh.AccessToken == "" || fresh.AccessToken == token.AccessToken {
		t.Fatal("expected a newly minted access token")
	}
	if fresh.RefreshToken == token.RefreshToken {
		t.Fatal("expected the refresh token to rotate on use")
	}
}

func TestOAuthAuthorizeWithoutSessionRequiresLogin(t *testing.T) {
	s := newStack(t)
	conf := s.oauthConfig()

	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL("s", oauth2.S256ChallengeOption(verifier))
	resp, err := http.Get(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 login_required, got %d", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "login_required" {
		t.Fatalf("expected login_required, got %q", body.Error)
	}
}

func TestOAuthDiscoveryDocumentServed(t *testing.T) {
	s := newStack(t)
	resp, err := http.Get(s.server.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var doc struct {
		Issuer               string   `json:"issuer"`
		TokenEndpoint        string   `json:"token_endpoint"`
		GrantTypesSupported  []string `json:"grant_types_supported"`
		CodeChallengeMethods []string `json:"code_challenge_methods_supported"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if doc.Issuer == "" || doc.TokenEndpoint == "" {
		t.Fatalf("incomplete discovery document: %+v", doc)
	}
	if len(doc.GrantTypesSupported) != 2 {
		t.Fatalf("unexpected grant types: %v", doc.GrantTypesSupported)
	}
}

func TestOAuthIntrospectionAndRevocation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	userTokens := s.registerAndLogin(t, "introspect-http@example.com")
	conf := s.oauthConfig()

	verifier := oauth2.GenerateVerifier()
	code := s.authorize(t, conf, userTokens.AccessToken, oauth2.S256ChallengeOption(verifier))
	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	introspect := func(t *testing.T, raw string) bool {
		t.Helper()
		form := url.Values{"token": {raw}}
		req, err := http.NewRequest(http.MethodPost, s.server.URL+"/oauth/introspect", strings.NewReader(form.Encode()))
		if err != nil {
			t.Fatalf("introspect request: %v", err)
		}
		req.SetBasicAuth("web-app", "web-secret")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("introspect: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("introspect: expected 200, got %d", resp.StatusCode)
		}
		var body struct {
			Active bool `json:"active"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode introspection: %v", err)
		}
		return body.Active
	}

	if !introspect(t, token.AccessToken) {
		t.Fatal("expected the issued access token to be active")
	}

	form := url.Values{"token": {token.RefreshToken}, "token_type_hint": {"refresh_token"}}
	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/oauth/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("revoke request: %v", err)
	}
	req.SetBasicAuth("web-app", "web-secret")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", resp.StatusCode)
	}

	if introspect(t, token.AccessToken) {
		t.Fatal("expected the access token to go inactive after revocation")
	}
}
