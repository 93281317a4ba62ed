package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetdesk/fleetdesk/internal/auth"
	"github.com/fleetdesk/fleetdesk/internal/services"
	pkghttp "github.com/fleetdesk/fleetdesk/pkg/http"
)

// AuthServiceInterface defines the auth flows the handler depends on.
type AuthServiceInterface interface {
	Login(ctx context.Context, clientIP, username, password, requestID string) (*services.LoginResult, error)
	Refresh(ctx context.Context, presented, requestID string) (*services.RefreshResult, error)
	Logout(ctx context.Context, subjectID, requestID string) error
	ChangePassword(ctx context.Context, subjectID, current, next, requestID string) error
}

// AuthHandler handles session-lifecycle HTTP requests.
type AuthHandler struct {
	service      AuthServiceInterface
	ipConfig     *pkghttp.IPConfig
	cookieConfig auth.CookieConfig
	refreshTTL   int
}

// NewAuthHandler creates a new AuthHandler. refreshTTLSeconds bounds
// the refresh-token cookie lifetime.
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig, cookieConfig auth.CookieConfig, refreshTTLSeconds int) *AuthHandler {
	return &AuthHandler{
		service:      service,
		ipConfig:     ipConfig,
		cookieConfig: cookieConfig,
		refreshTTL:   refreshTTLSeconds,
	}
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse represents the response for login and refresh
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	CSRFToken   string `json:"csrf_token"`
}

// Login issues the full session credential set. The refresh and CSRF
// tokens travel as cookies; the access token in the body.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		pkghttp.WriteBadRequest(w, "Username and password are required")
		return
	}

	clientIP := h.ipConfig.ClientIP(r)
	result, err := h.service.Login(r.Context(), clientIP, req.Username, req.Password, middleware.GetReqID(r.Context()))
	if err != nil {
		pkghttp.WriteDomainError(w, err)
		return
	}

	auth.SetSessionCookies(w, result.RefreshToken, result.CSRFToken, h.refreshTTL, h.cookieConfig)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   result.ExpiresIn,
		CSRFToken:   result.CSRFToken,
	})
}

// Refresh rotates the refresh-token cookie and mints a new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	presented, err := auth.RefreshTokenFromRequest(r)
	if err != nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	result, err := h.service.Refresh(r.Context(), presented, middleware.GetReqID(r.Context()))
	if err != nil {
		auth.ClearSessionCookies(w, h.cookieConfig)
		pkghttp.WriteDomainError(w, err)
		return
	}

	auth.SetSessionCookies(w, result.RefreshToken, result.CSRFToken, h.refreshTTL, h.cookieConfig)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   result.ExpiresIn,
		CSRFToken:   result.CSRFToken,
	})
}

// Logout revokes the session and clears its cookies. Requires a valid
// access token; the subject comes from the decoded claims.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	if err := h.service.Logout(r.Context(), claims.Subject, middleware.GetReqID(r.Context())); err != nil {
		pkghttp.WriteDomainError(w, err)
		return
	}

	auth.ClearSessionCookies(w, h.cookieConfig)
	w.WriteHeader(http.StatusNoContent)
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword rotates the account's credential. Every session dies
// with the old password, so the cookies are cleared and the caller must
// log in again.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		pkghttp.WriteBadRequest(w, "Current and new password are required")
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword, middleware.GetReqID(r.Context())); err != nil {
		pkghttp.WriteDomainError(w, err)
		return
	}

	auth.ClearSessionCookies(w, h.cookieConfig)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
