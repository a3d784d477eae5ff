package authcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnnydxm/dwaybank-auth/internal/tools/common"
	"github.com/johnnydxm/dwaybank-auth/internal/tools/ui"
)

type options struct {
	baseURL      string
	email        string
	password     string
	clientID     string
	clientSecret string
	ci           bool
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{Use: "authcheck", Short: "Smoke-test the auth API end to end"}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.PersistentFlags().StringVar(&opts.email, "email", "", "credentials of a verified test account")
	cmd.PersistentFlags().StringVar(&opts.password, "password", "", "password for the test account")
	cmd.PersistentFlags().StringVar(&opts.clientID, "client-id", "", "OAuth client for introspection checks")
	cmd.PersistentFlags().StringVar(&opts.clientSecret, "client-secret", "", "OAuth client secret")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Login, call protected routes, refresh, introspect and logout",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := run(opts, "authcheck run", func(ctx context.Context) ([]string, error) {
				return smokeFlow(ctx, opts)
			})
			if opts.ci {
				common.PrintCIResult(err == nil, "authcheck run", details, err)
			}
			if err != nil {
				os.Exit(4)
			}
			return nil
		},
	}
}

func run(opts *options, title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, fn)
}

func smokeFlow(ctx context.Context, opts *options) ([]string, error) {
	var details []string
	client := &http.Client{Timeout: 20 * time.Second}

	if err := checkReady(ctx, client, opts.baseURL); err != nil {
		return details, err
	}
	details = append(details, "readiness: ok")

	if opts.email == "" || opts.password == "" {
		return details, fmt.Errorf("--email and --password are required for the login flow")
	}
	access, refresh, err := login(ctx, client, opts)
	if err != nil {
		return details, err
	}
	details = append(details, "login: ok")

	if err := callMe(ctx, client, opts.baseURL, access); err != nil {
		return details, err
	}
	details = append(details, "protected route: ok")

	newAccess, _, err := refreshTokens(ctx, client, opts.baseURL, refresh)
	if err != nil {
		return details, err
	}
	details = append(details, "refresh rotation: ok")

	if err := checkDiscovery(ctx, client, opts.baseURL); err != nil {
		return details, err
	}
	details = append(details, "discovery document: ok")

	if opts.clientID != "" {
		active, err := introspect(ctx, client, opts, newAccess)
		if err != nil {
			return details, err
		}
		if !active {
			return details, fmt.Errorf("introspection reported a fresh access token inactive")
		}
		details = append(details, "introspection: ok")
	}

	if err := logout(ctx, client, opts.baseURL, newAccess); err != nil {
		return details, err
	}
	details = append(details, "logout: ok")
	return details, nil
}

func checkReady(ctx context.Context, client *http.Client, baseURL string) error {
	body, status, err := get(ctx, client, baseURL+"/health/ready", "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("readiness returned %d: %s", status, truncate(body))
	}
	return nil
}

func login(ctx context.Context, client *http.Client, opts *options) (access, refresh string, err error) {
	payload := map[string]any{"email": opts.email, "password": opts.password}
	body, status, err := postJSON(ctx, client, opts.baseURL+"/api/v1/auth/login", payload, "")
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("login returned %d: %s", status, truncate(body))
	}
	var resp struct {
		Data struct {
			MFARequired bool `json:"mfa_required"`
			Tokens      struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
			} `json:"tokens"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("decode login response: %w", err)
	}
	if resp.Data.MFARequired {
		return "", "", fmt.Errorf("test account has MFA enabled; use a plain account")
	}
	if resp.Data.Tokens.AccessToken == "" {
		return "", "", fmt.Errorf("login response carried no tokens")
	}
	return resp.Data.Tokens.AccessToken, resp.Data.Tokens.RefreshToken, nil
}

func callMe(ctx context.Context, client *http.Client, baseURL, access string) error {
	body, status, err := get(ctx, client, baseURL+"/api/v1/me", access)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("/me returned %d: %s", status, truncate(body))
	}
	return nil
}

func refreshTokens(ctx context.Context, client *http.Client, baseURL, refresh string) (string, string, error) {
	body, status, err := postJSON(ctx, client, baseURL+"/api/v1/auth/refresh", map[string]any{"refresh_token": refresh}, "")
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("refresh returned %d: %s", status, truncate(body))
	}
	var resp struct {
		Data struct {
			Tokens struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
			} `json:"tokens"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("decode refresh response: %w", err)
	}
	return resp.Data.Tokens.AccessToken, resp.Data.Tokens.RefreshToken, nil
}

func checkDiscovery(ctx context.Context, client *http.Client, baseURL string) error {
	body, status, err := get(ctx, client, baseURL+"/.well-known/openid-configuration", "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("discovery returned %d", status)
	}
	var doc struct {
		Issuer        string `json:"issuer"`
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.Issuer == "" || doc.TokenEndpoint == "" {
		return fmt.Errorf("discovery document is incomplete")
	}
	return nil
}

func introspect(ctx context.Context, client *http.Client, opts *options, token string) (bool, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/oauth/introspect", strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(opts.clientID, opts.clientSecret)
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("introspect returned %d: %s", resp.StatusCode, truncate(body))
	}
	var payload struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, err
	}
	return payload.Active, nil
}

func logout(ctx context.Context, client *http.Client, baseURL, access string) error {
	body, status, err := postJSON(ctx, client, baseURL+"/api/v1/auth/logout", map[string]any{}, access)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("logout returned %d: %s", status, truncate(body))
	}
	return nil
}

func get(ctx context.Context, client *http.Client, rawURL, bearer string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return do(client, req)
}

func postJSON(ctx context.Context, client *http.Client, rawURL string, payload any, bearer string) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return strings.TrimSpace(s)
}
