package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/stratabase/strata/internal/domain"
)

type collectionsService interface {
	CreateCollection(ctx context.Context, name, label string, fields []domain.FieldDef) (*domain.Collection, error)
	GetCollection(ctx context.Context, name string) (*domain.Collection, error)
	ListCollections(ctx context.Context) ([]*domain.Collection, error)
	UpdateSchema(ctx context.Context, name, label string, fields []domain.FieldDef) (*domain.Collection, error)
	DeleteCollection(ctx context.Context, name string) error

	Create(ctx context.Context, collection string, data map[string]any, ownerID *string) (*domain.Record, error)
	Get(ctx context.Context, collection, id string) (*domain.Record, error)
	List(ctx context.Context, collection string, limit, offset int, filter map[string]any) ([]*domain.Record, int, error)
	Update(ctx context.Context, collection, id string, patch map[string]any, expectedVersion int64) (*domain.Record, error)
	Delete(ctx context.Context, collection, id string) error

	Count(ctx context.Context, collection string) (int, error)
}

// CollectionHandler serves collection schemas and their records.
type CollectionHandler struct {
	Collections collectionsService
}

func (h *CollectionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/collections", h.ListCollections)
	mux.HandleFunc("POST /api/collections", h.CreateCollection)
	mux.HandleFunc("GET /api/collections/{name}", h.GetCollection)
	mux.HandleFunc("PATCH /api/collections/{name}", h.UpdateSchema)
	mux.HandleFunc("DELETE /api/collections/{name}", h.DeleteCollection)

	mux.HandleFunc("GET /api/collections/{name}/records", h.ListRecords)
	mux.HandleFunc("POST /api/collections/{name}/records", h.CreateRecord)
	mux.HandleFunc("GET /api/collections/{name}/records/{id}", h.GetRecord)
	mux.HandleFunc("PATCH /api/collections/{name}/records/{id}", h.UpdateRecord)
	mux.HandleFunc("DELETE /api/collections/{name}/records/{id}", h.DeleteRecord)

	mux.HandleFunc("GET /api/admin/collections/status", h.Status)
}

type collectionRequest struct {
	Name   string            `json:"name"`
	Label  string            `json:"label"`
	Fields []domain.FieldDef `json:"fields"`
}

func (h *CollectionHandler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req collectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Collections.CreateCollection(r.Context(), req.Name, req.Label, req.Fields)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *CollectionHandler) ListCollections(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	cols, err := h.Collections.ListCollections(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": cols})
}

func (h *CollectionHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	c, err := h.Collections.GetCollection(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CollectionHandler) UpdateSchema(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req collectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Collections.UpdateSchema(r.Context(), r.PathValue("name"), req.Label, req.Fields)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CollectionHandler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := h.Collections.DeleteCollection(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Status summarizes every collection for the admin dashboard.
func (h *CollectionHandler) Status(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	cols, err := h.Collections.ListCollections(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	type colStatus struct {
		Name          string `json:"name"`
		Label         string `json:"label"`
		SchemaVersion int64  `json:"schema_version"`
		Fields        int    `json:"fields"`
		Records       int    `json:"records"`
	}
	out := make([]colStatus, 0, len(cols))
	for _, c := range cols {
		n, err := h.Collections.Count(r.Context(), c.Name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out = append(out, colStatus{
			Name:          c.Name,
			Label:         c.Label,
			SchemaVersion: c.SchemaVersion,
			Fields:        len(c.Schema),
			Records:       n,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": out})
}

func (h *CollectionHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAuth(w, r)
	if !ok {
		return
	}
	var data map[string]any
	if err := decodeJSON(r, &data); err != nil {
		writeError(w, r, err)
		return
	}
	var owner *string
	if id.UserID != "" {
		owner = &id.UserID
	}
	rec, err := h.Collections.Create(r.Context(), r.PathValue("name"), data, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *CollectionHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	rec, err := h.Collections.Get(r.Context(), r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *CollectionHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	// Remaining query parameters become equality filters on record data.
	filter := map[string]any{}
	for key, vals := range r.URL.Query() {
		if key == "limit" || key == "offset" || len(vals) == 0 {
			continue
		}
		filter[key] = vals[0]
	}

	recs, total, err := h.Collections.List(r.Context(), r.PathValue("name"), limit, offset, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": recs,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *CollectionHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	var req struct {
		Data    map[string]any `json:"data"`
		Version int64          `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Data == nil {
		writeError(w, r, fmt.Errorf("data is required: %w", domain.ErrValidation))
		return
	}
	rec, err := h.Collections.Update(r.Context(), r.PathValue("name"), r.PathValue("id"), req.Data, req.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *CollectionHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	if err := h.Collections.Delete(r.Context(), r.PathValue("name"), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
