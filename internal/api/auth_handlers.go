package api

import (
	"context"
	"net/http"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/identity"
)

type authService interface {
	Register(ctx context.Context, email, password string) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*domain.User, *identity.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*identity.TokenPair, error)
	Revoke(ctx context.Context, userID string) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	AnyAdmin(ctx context.Context) (bool, error)
}

// AuthHandler serves session endpoints.
type AuthHandler struct {
	Auth authService
}

func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/register", h.Register)
	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("POST /api/auth/refresh", h.Refresh)
	mux.HandleFunc("POST /api/auth/logout", h.Logout)
	mux.HandleFunc("GET /api/auth/setup-status", h.SetupStatus)
	mux.HandleFunc("GET /api/auth/me", h.Me)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.Auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, pair, err := h.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		User   *domain.User        `json:"user"`
		Tokens *identity.TokenPair `json:"tokens"`
	}{u, pair})
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := h.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout revokes every outstanding token for the caller.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAuth(w, r)
	if !ok {
		return
	}
	if id.UserID == "" {
		// Application tokens are revoked via the token endpoints.
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	if err := h.Auth.Revoke(r.Context(), id.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// SetupStatus reports whether the instance has an admin yet. The admin SPA
// uses it to decide between the setup and login screens.
func (h *AuthHandler) SetupStatus(w http.ResponseWriter, r *http.Request) {
	ready, err := h.Auth.AnyAdmin(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": ready})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAuth(w, r)
	if !ok {
		return
	}
	if id.AppToken != nil {
		writeJSON(w, http.StatusOK, struct {
			TokenID string `json:"token_id"`
			Name    string `json:"name"`
		}{id.AppToken.ID, id.AppToken.Name})
		return
	}
	u, err := h.Auth.GetUser(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
