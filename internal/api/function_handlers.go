package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/store"
)

type functionStore interface {
	CreateFunction(ctx context.Context, fn *domain.FunctionDefinition) error
	GetFunction(ctx context.Context, name string) (*domain.FunctionDefinition, error)
	ListFunctions(ctx context.Context) ([]*domain.FunctionDefinition, error)
	UpdateFunction(ctx context.Context, fn *domain.FunctionDefinition) error
	DeleteFunction(ctx context.Context, name string) error

	GetCall(ctx context.Context, id string) (*domain.FunctionCall, error)
	ListCalls(ctx context.Context, f store.CallFilter) ([]*domain.FunctionCall, int, error)
}

type registryService interface {
	PutVersion(ctx context.Context, name, source, notes, actor string) (*domain.FunctionVersion, error)
	GetVersion(ctx context.Context, id string) (*domain.FunctionVersion, error)
	ListVersions(ctx context.Context, name string) ([]*domain.FunctionVersion, error)
	Rollback(ctx context.Context, name, versionID string) error
	ActiveVersion(ctx context.Context, name string) (*domain.FunctionVersion, error)
}

type invoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage, caller domain.Caller, trigger domain.Trigger) (*domain.FunctionCall, error)
	InvokeAsync(ctx context.Context, name string, input json.RawMessage, caller domain.Caller, trigger domain.Trigger) (*domain.FunctionCall, error)
	Cancel(callID string)
}

// workerPool retires stale workers on publish and proxies the describe
// exchange to a leased worker.
type workerPool interface {
	DrainVersions(fn, activeID string)
	Describe(ctx context.Context, v *domain.FunctionVersion) (json.RawMessage, error)
}

// FunctionHandler serves function definitions, versions, invocation, and
// call history.
type FunctionHandler struct {
	Store    functionStore
	Registry registryService
	Engine   invoker
	Pool     workerPool
}

func (h *FunctionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/functions", h.ListFunctions)
	mux.HandleFunc("POST /api/functions/{name}", h.Invoke)

	mux.HandleFunc("POST /api/admin/functions", h.CreateFunction)
	mux.HandleFunc("GET /api/admin/functions/{name}/schema", h.GetSchema)
	mux.HandleFunc("PATCH /api/admin/functions/{name}", h.UpdateFunction)
	mux.HandleFunc("DELETE /api/admin/functions/{name}", h.DeleteFunction)
	mux.HandleFunc("PUT /api/admin/functions/{name}/source", h.Deploy)
	mux.HandleFunc("GET /api/admin/functions/{name}/versions", h.ListVersions)
	mux.HandleFunc("POST /api/admin/functions/{name}/rollback", h.Rollback)

	mux.HandleFunc("GET /api/admin/function-calls", h.ListCalls)
	mux.HandleFunc("GET /api/admin/function-calls/{id}", h.GetCall)
	mux.HandleFunc("POST /api/admin/function-calls/{id}/cancel", h.CancelCall)
}

func (h *FunctionHandler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	fns, err := h.Store.ListFunctions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": fns})
}

// invokeResponse is the stable invocation envelope. A call that failed
// inside user code is still a 200 with a terminal-state body.
type invokeResponse struct {
	CallID       string            `json:"call_id"`
	Status       domain.CallStatus `json:"status"`
	Result       json.RawMessage   `json:"result"`
	ErrorType    *string           `json:"error_type"`
	ErrorMessage *string           `json:"error_message"`
	DurationMS   *int64            `json:"duration_ms"`
	VersionHash  *string           `json:"version_hash"`
}

func (h *FunctionHandler) invokeEnvelope(ctx context.Context, call *domain.FunctionCall) invokeResponse {
	resp := invokeResponse{
		CallID:     call.ID,
		Status:     call.Status,
		Result:     call.Output,
		DurationMS: call.DurationMS,
	}
	if call.ErrorType != "" {
		resp.ErrorType = &call.ErrorType
		resp.ErrorMessage = &call.ErrorMessage
	}
	if call.VersionID != "" {
		if v, err := h.Registry.GetVersion(ctx, call.VersionID); err == nil {
			resp.VersionHash = &v.ContentHash
		}
	}
	return resp
}

func (h *FunctionHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	input, err := readInput(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	async := r.URL.Query().Get("async") == "true"
	name := r.PathValue("name")
	caller := callerFrom(r)

	if async {
		call, err := h.Engine.InvokeAsync(r.Context(), name, input, caller, domain.TriggerAPI)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, h.invokeEnvelope(r.Context(), call))
		return
	}

	call, err := h.Engine.Invoke(r.Context(), name, input, caller, domain.TriggerAPI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.invokeEnvelope(r.Context(), call))
}

func readInput(r *http.Request) (json.RawMessage, error) {
	var input json.RawMessage
	if r.ContentLength == 0 {
		return nil, nil
	}
	if err := decodeJSON(r, &input); err != nil {
		return nil, err
	}
	return input, nil
}

type functionRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	AuthLevel   domain.AuthLevel `json:"auth_level"`
	Tags        []string         `json:"tags"`
	Source      string           `json:"source"`
}

func (h *FunctionHandler) CreateFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req functionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" || strings.ContainsAny(req.Name, " /\\") {
		writeError(w, r, fmt.Errorf("function name must be a non-empty path-safe token: %w", domain.ErrValidation))
		return
	}
	if req.AuthLevel == "" {
		req.AuthLevel = domain.AuthAdmin
	}
	switch req.AuthLevel {
	case domain.AuthPublic, domain.AuthUser, domain.AuthAdmin:
	default:
		writeError(w, r, fmt.Errorf("unknown auth_level %q: %w", req.AuthLevel, domain.ErrValidation))
		return
	}

	fn := &domain.FunctionDefinition{
		ID:          domain.NewID(),
		Name:        req.Name,
		Description: req.Description,
		AuthLevel:   req.AuthLevel,
		Tags:        req.Tags,
	}
	if err := h.Store.CreateFunction(r.Context(), fn); err != nil {
		writeError(w, r, err)
		return
	}

	// An initial source may ride along with the definition.
	if req.Source != "" {
		v, err := h.Registry.PutVersion(r.Context(), fn.Name, req.Source, "initial upload", id.Caller().UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h.Pool.DrainVersions(fn.Name, v.ID)
	}
	writeJSON(w, http.StatusCreated, fn)
}

// GetSchema returns the definition plus its active version metadata.
func (h *FunctionHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	fn, err := h.Store.GetFunction(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"function": fn}
	if v, err := h.Registry.ActiveVersion(r.Context(), fn.Name); err == nil {
		resp["active_version"] = v
		// Self-reported metadata from a live worker, best effort.
		if meta, err := h.Pool.Describe(r.Context(), v); err == nil {
			resp["runtime"] = meta
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *FunctionHandler) UpdateFunction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	fn, err := h.Store.GetFunction(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Description *string           `json:"description"`
		AuthLevel   *domain.AuthLevel `json:"auth_level"`
		Tags        *[]string         `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Description != nil {
		fn.Description = *req.Description
	}
	if req.AuthLevel != nil {
		switch *req.AuthLevel {
		case domain.AuthPublic, domain.AuthUser, domain.AuthAdmin:
			fn.AuthLevel = *req.AuthLevel
		default:
			writeError(w, r, fmt.Errorf("unknown auth_level %q: %w", *req.AuthLevel, domain.ErrValidation))
			return
		}
	}
	if req.Tags != nil {
		fn.Tags = *req.Tags
	}
	if err := h.Store.UpdateFunction(r.Context(), fn); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

func (h *FunctionHandler) DeleteFunction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	name := r.PathValue("name")
	if err := h.Store.DeleteFunction(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	// Retire every pooled worker for the deleted function.
	h.Pool.DrainVersions(name, "")
	writeJSON(w, http.StatusNoContent, nil)
}

// Deploy uploads new source. Identical normalized content reuses the
// existing version; otherwise the new version becomes active and workers
// pinned to older versions are drained.
func (h *FunctionHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		Source string `json:"source"`
		Notes  string `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.Registry.PutVersion(r.Context(), r.PathValue("name"), req.Source, req.Notes, id.Caller().UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.Pool.DrainVersions(v.FunctionName, v.ID)
	writeJSON(w, http.StatusOK, v)
}

func (h *FunctionHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	versions, err := h.Registry.ListVersions(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (h *FunctionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req struct {
		VersionID string `json:"version_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	if err := h.Registry.Rollback(r.Context(), name, req.VersionID); err != nil {
		writeError(w, r, err)
		return
	}
	h.Pool.DrainVersions(name, req.VersionID)
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *FunctionHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	f := store.CallFilter{
		FunctionName: r.URL.Query().Get("function_name"),
		Status:       domain.CallStatus(r.URL.Query().Get("status")),
		Trigger:      domain.Trigger(r.URL.Query().Get("trigger_type")),
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	}
	calls, total, err := h.Store.ListCalls(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (h *FunctionHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	call, err := h.Store.GetCall(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// CancelCall is idempotent; cancelling a terminal call is a no-op.
func (h *FunctionHandler) CancelCall(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := h.Store.GetCall(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.Engine.Cancel(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": id, "status": "cancelling"})
}
