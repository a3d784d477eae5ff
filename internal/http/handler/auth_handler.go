package handler

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
	"github.com/johnnydxm/dwaybank-auth/internal/http/middleware"
	"github.com/johnnydxm/dwaybank-auth/internal/http/response"
	"github.com/johnnydxm/dwaybank-auth/internal/observability"
	"github.com/johnnydxm/dwaybank-auth/internal/registry"
	"github.com/johnnydxm/dwaybank-auth/internal/service"
)

type AuthHandler struct {
	auth     *service.AuthService
	sessions *service.SessionService
}

func NewAuthHandler(auth *service.AuthService, sessions *service.SessionService) *AuthHandler {
	return &AuthHandler{auth: auth, sessions: sessions}
}

type registerRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	AcceptTerms     bool   `json:"accept_terms"`
	AcceptPrivacy   bool   `json:"accept_privacy"`
}

func (req *registerRequest) validate() map[string]string {
	problems := map[string]string{}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		problems["email"] = "must be a valid email address"
	}
	if req.Password == "" {
		problems["password"] = "is required"
	}
	if req.Password != req.ConfirmPassword {
		problems["confirm_password"] = "must match password"
	}
	if strings.TrimSpace(req.FirstName) == "" {
		problems["first_name"] = "is required"
	}
	if !req.AcceptTerms || !req.AcceptPrivacy {
		problems["accept_terms"] = "terms and privacy policy must be accepted"
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "request body is not valid JSON", nil)
		return
	}
	if problems := req.validate(); problems != nil {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "request validation failed", problems)
		return
	}
	result, err := h.auth.Register(r.Context(), service.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.AuditRequest(r, "auth.register", "user_id", result.User.ID)
	response.JSON(w, r, http.StatusCreated, "registration successful, verification required", map[string]any{
		"user":                  result.User,
		"verification_required": result.VerificationRequired,
	})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "token is required", nil)
		return
	}
	if err := h.auth.VerifyEmail(r.Context(), req.Token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, "email verified", nil)
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "request body is not valid JSON", nil)
		return
	}
	if req.Email == "" || req.Password == "" {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "email and password are required", nil)
		return
	}
	result, err := h.auth.Login(r.Context(), req.Email, req.Password, req.RememberMe, requestMetadata(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if result.MFARequired {
		response.JSON(w, r, http.StatusOK, "multi-factor verification required", map[string]any{
			"mfa_required": true,
			"challenge_id": result.ChallengeID,
			"methods":      result.MFAMethods,
		})
		return
	}
	observability.AuditRequest(r, "auth.login", "user_id", result.User.ID, "session_id", result.Session.ID)
	response.JSON(w, r, http.StatusOK, "login successful", map[string]any{
		"user":   result.User,
		"tokens": result.Tokens,
	})
}

type verifyMFARequest struct {
	ChallengeID string `json:"challenge_id"`
	MFAToken    string `json:"mfa_token"`
	MFAType     string `json:"mfa_type"`
}

func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "request body is not valid JSON", nil)
		return
	}
	if req.ChallengeID == "" || req.MFAToken == "" {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "challenge_id and mfa_token are required", nil)
		return
	}
	result, err := h.auth.VerifyMFAChallenge(r.Context(), req.ChallengeID, req.MFAToken, domain.MFAMethod(req.MFAType))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.AuditRequest(r, "auth.mfa_verified", "user_id", result.User.ID)
	response.JSON(w, r, http.StatusOK, "login successful", map[string]any{
		"user":   result.User,
		"tokens": result.Tokens,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "refresh_token is required", nil)
		return
	}
	result, err := h.auth.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, "tokens refreshed", map[string]any{"tokens": result.Tokens})
}

type logoutRequest struct {
	AllDevices bool `json:"all_devices"`
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := middleware.AuthFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "missing access token", nil)
		return
	}
	var req logoutRequest
	_ = decodeJSON(r, &req)
	if err := h.auth.Logout(r.Context(), authCtx.UserID, authCtx.SessionID, req.AllDevices); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.AuditRequest(r, "auth.logout", "user_id", authCtx.UserID, "all_devices", req.AllDevices)
	response.JSON(w, r, http.StatusOK, "logged out", nil)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := middleware.AuthFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "missing access token", nil)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "current_password and new_password are required", nil)
		return
	}
	if err := h.auth.ChangePassword(r.Context(), authCtx.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, "password changed, all sessions revoked", nil)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := middleware.AuthFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "missing access token", nil)
		return
	}
	user, err := h.auth.GetUser(r.Context(), authCtx.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, "", user)
}

func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := middleware.AuthFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "missing access token", nil)
		return
	}
	views, err := h.sessions.ListActiveSessions(r.Context(), authCtx.UserID, authCtx.SessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, "", views)
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := middleware.AuthFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "missing access token", nil)
		return
	}
	sessionID := chi.URLParam(r, "session_id")
	outcome, err := h.sessions.RevokeSession(r.Context(), authCtx.UserID, sessionID)
	if err != nil {
		if err == registry.ErrSessionNotFound {
			response.Error(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "session does not exist", nil)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, outcome, nil)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func requestMetadata(r *http.Request) registry.SessionMetadata {
	return registry.SessionMetadata{
		UserAgent: r.UserAgent(),
		IP:        middleware.ClientIPKey(r),
	}
}
