package handler

import (
	"errors"
	"net/http"

	"github.com/johnnydxm/dwaybank-auth/internal/http/middleware"
	"github.com/johnnydxm/dwaybank-auth/internal/http/response"
	"github.com/johnnydxm/dwaybank-auth/internal/observability"
	"github.com/johnnydxm/dwaybank-auth/internal/service"
)

type OAuthHandler struct {
	oauth *service.OAuthService
}

func NewOAuthHandler(oauth *service.OAuthService) *OAuthHandler {
	return &OAuthHandler{oauth: oauth}
}

// Authorize handles GET /oauth/authorize. The caller may carry a bearer token
// from a first-party login; without one the response tells the client to
// authenticate first rather than redirecting.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := service.AuthorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
	}

	var userID uint
	if authCtx, ok := middleware.AuthFromContext(r.Context()); ok {
		userID = authCtx.UserID
	}

	result := h.oauth.Authorize(r.Context(), params, userID)
	switch result.Kind {
	case service.AuthorizeRedirect:
		observability.AuditRequest(r, "oauth.authorize", "client_id", params.ClientID, "user_id", userID)
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	case service.AuthorizeLoginRequired:
		response.Raw(w, http.StatusUnauthorized, map[string]any{
			"error":             "login_required",
			"error_description": "end-user authentication is required",
		})
	default:
		response.Raw(w, http.StatusBadRequest, result.Err)
	}
}

// Token handles POST /oauth/token. Confidential clients authenticate with
// client_secret_basic or client_secret_post; public clients send client_id
// in the form and prove possession with PKCE.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		response.Raw(w, http.StatusBadRequest, service.OAuthError{Code: "invalid_request", Description: "malformed form body"})
		return
	}
	clientID, clientSecret := clientCredentials(r)
	params := service.TokenParams{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}

	resp, err := h.oauth.Token(r.Context(), params)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	observability.AuditRequest(r, "oauth.token", "client_id", clientID, "grant_type", params.GrantType)
	response.Raw(w, http.StatusOK, resp)
}

// Revoke handles POST /oauth/revoke. Per RFC 7009 the endpoint reports
// success for unknown or already-revoked tokens once the client checks out.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		response.Raw(w, http.StatusBadRequest, service.OAuthError{Code: "invalid_request", Description: "malformed form body"})
		return
	}
	clientID, clientSecret := clientCredentials(r)
	err := h.oauth.Revoke(r.Context(), clientID, clientSecret, r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *OAuthHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		response.Raw(w, http.StatusBadRequest, service.OAuthError{Code: "invalid_request", Description: "malformed form body"})
		return
	}
	clientID, clientSecret := clientCredentials(r)
	resp, err := h.oauth.Introspect(r.Context(), clientID, clientSecret, r.PostFormValue("token"))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	response.Raw(w, http.StatusOK, resp)
}

func (h *OAuthHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		response.Raw(w, http.StatusUnauthorized, service.OAuthError{Code: "invalid_token", Description: "missing bearer token"})
		return
	}
	claims, err := h.oauth.UserInfo(r.Context(), token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeOAuthError(w, err)
		return
	}
	response.Raw(w, http.StatusOK, claims)
}

func (h *OAuthHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	response.Raw(w, http.StatusOK, h.oauth.Discovery())
}

// clientCredentials prefers HTTP Basic and falls back to form fields.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *service.OAuthError
	if !errors.As(err, &oerr) {
		oerr = &service.OAuthError{Code: "server_error", Description: "unexpected failure"}
		response.Raw(w, http.StatusInternalServerError, oerr)
		return
	}
	status := http.StatusBadRequest
	switch oerr.Code {
	case "invalid_client":
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	case "invalid_token":
		status = http.StatusUnauthorized
	case "server_error":
		status = http.StatusInternalServerError
	}
	response.Raw(w, status, oerr)
}
