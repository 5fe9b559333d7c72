package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/settings"
)

type settingsService interface {
	Get(key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Reset(ctx context.Context, key string) error
	List() []settings.Effective
}

type tokenService interface {
	CreateToken(ctx context.Context, name string, expiresAt *time.Time) (*domain.ApplicationToken, string, error)
	ListTokens(ctx context.Context) ([]*domain.ApplicationToken, error)
	SetTokenActive(ctx context.Context, id string, active bool) error
	DeleteToken(ctx context.Context, id string) error
}

// SettingsHandler serves runtime settings and application tokens.
type SettingsHandler struct {
	Settings settingsService
	Tokens   tokenService
}

func (h *SettingsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/settings", h.List)
	mux.HandleFunc("PATCH /api/admin/settings", h.Patch)

	mux.HandleFunc("GET /api/admin/application-tokens", h.ListTokens)
	mux.HandleFunc("POST /api/admin/application-tokens", h.CreateToken)
	mux.HandleFunc("PATCH /api/admin/application-tokens/{id}", h.ToggleToken)
	mux.HandleFunc("DELETE /api/admin/application-tokens/{id}", h.DeleteToken)
}

func (h *SettingsHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	effective := h.Settings.List()
	sort.Slice(effective, func(i, j int) bool { return effective[i].Key < effective[j].Key })
	writeJSON(w, http.StatusOK, map[string]any{"settings": effective})
}

// Patch applies a batch of writes. A null value resets the key to its
// default. Validation failures abort the whole batch response-wise but
// keys already written stay written; callers treat the batch as per-key.
func (h *SettingsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req map[string]*string
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	for key, value := range req {
		var err error
		if value == nil {
			err = h.Settings.Reset(r.Context(), key)
		} else {
			err = h.Settings.Set(r.Context(), key, *value)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	h.List(w, r)
}

func (h *SettingsHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req struct {
		Name      string     `json:"name"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tok, plaintext, err := h.Tokens.CreateToken(r.Context(), req.Name, req.ExpiresAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The plaintext appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, struct {
		Token     *domain.ApplicationToken `json:"token"`
		Plaintext string                   `json:"plaintext"`
	}{tok, plaintext})
}

func (h *SettingsHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	tokens, err := h.Tokens.ListTokens(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (h *SettingsHandler) ToggleToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Tokens.SetTokenActive(r.Context(), r.PathValue("id"), req.IsActive); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *SettingsHandler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := h.Tokens.DeleteToken(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
