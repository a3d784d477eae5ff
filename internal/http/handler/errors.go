package handler

import (
	"errors"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/johnnydxm/dwaybank-auth/internal/http/response"
	"github.com/johnnydxm/dwaybank-auth/internal/service"
)

// writeServiceError maps the service error vocabulary onto HTTP statuses and
// stable codes. Anything unmapped collapses to 500 with detail only in the
// server log.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrUserAlreadyExists):
		response.Error(w, r, http.StatusConflict, "USER_ALREADY_EXISTS", "an account with this email already exists", nil)
	case errors.Is(err, service.ErrWeakPassword):
		response.Error(w, r, http.StatusBadRequest, "WEAK_PASSWORD", "password does not meet the strength policy", nil)
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
	case errors.Is(err, service.ErrAccountNotVerified):
		response.Error(w, r, http.StatusUnauthorized, "ACCOUNT_NOT_VERIFIED", "email verification is required before login", nil)
	case errors.Is(err, service.ErrAccountLocked):
		response.Error(w, r, http.StatusUnauthorized, "ACCOUNT_LOCKED", "this account is locked", nil)
	case errors.Is(err, service.ErrAccountClosed):
		response.Error(w, r, http.StatusUnauthorized, "ACCOUNT_CLOSED", "this account is closed", nil)
	case errors.Is(err, service.ErrMfaVerificationFailed):
		response.Error(w, r, http.StatusUnauthorized, "MFA_VERIFICATION_FAILED", "the provided code is incorrect", nil)
	case errors.Is(err, service.ErrMfaChallengeExpired):
		response.Error(w, r, http.StatusUnauthorized, "MFA_CHALLENGE_EXPIRED", "the challenge has expired, sign in again", nil)
	case errors.Is(err, service.ErrInvalidRefreshToken):
		response.Error(w, r, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token is invalid or revoked", nil)
	case errors.Is(err, service.ErrInvalidCurrentPassword):
		response.Error(w, r, http.StatusBadRequest, "INVALID_CURRENT_PASSWORD", "current password is incorrect", nil)
	case errors.Is(err, service.ErrVerificationTokenInvalid):
		response.Error(w, r, http.StatusBadRequest, "INVALID_VERIFICATION_TOKEN", "verification token is invalid or expired", nil)
	default:
		slog.ErrorContext(r.Context(), "internal error",
			"error", err,
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "an internal error occurred", nil)
	}
}
