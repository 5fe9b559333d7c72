package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/stratabase/strata/internal/domain"
)

type schedulerService interface {
	Create(ctx context.Context, name, functionName string, spec domain.ScheduleSpec, input json.RawMessage) (*domain.FunctionSchedule, error)
	Get(ctx context.Context, id string) (*domain.FunctionSchedule, error)
	List(ctx context.Context, functionName string) ([]*domain.FunctionSchedule, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

// ScheduleHandler serves schedule management endpoints. All admin-gated.
type ScheduleHandler struct {
	Scheduler schedulerService
}

func (h *ScheduleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/schedules", h.List)
	mux.HandleFunc("POST /api/admin/schedules", h.Create)
	mux.HandleFunc("GET /api/admin/schedules/{id}", h.Get)
	mux.HandleFunc("PATCH /api/admin/schedules/{id}", h.Toggle)
	mux.HandleFunc("DELETE /api/admin/schedules/{id}", h.Delete)
}

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	var req struct {
		Name         string              `json:"name"`
		FunctionName string              `json:"function_name"`
		Schedule     domain.ScheduleSpec `json:"schedule"`
		Input        json.RawMessage     `json:"input,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sch, err := h.Scheduler.Create(r.Context(), req.Name, req.FunctionName, req.Schedule, req.Input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	schedules, err := h.Scheduler.List(r.Context(), r.URL.Query().Get("function_name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	sch, err := h.Scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// Toggle pauses or resumes a schedule. Resuming recomputes the next fire
// from now; missed fires are not replayed.
func (h *ScheduleHandler) Toggle(w http.ResponseWriter, r *http.Request) {
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
	id := r.PathValue("id")
	if err := h.Scheduler.SetActive(r.Context(), id, req.IsActive); err != nil {
		writeError(w, r, err)
		return
	}
	sch, err := h.Scheduler.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := h.Scheduler.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
