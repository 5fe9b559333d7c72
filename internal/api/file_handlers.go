package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/files"
)

// FileHandler serves blob storage endpoints over the configured backend.
type FileHandler struct {
	Backend files.Backend
	// BackendName is reported by the status endpoint ("local" or "s3").
	BackendName string
}

func (h *FileHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/files/upload", h.Upload)
	mux.HandleFunc("GET /api/files/download/{key...}", h.Download)
	mux.HandleFunc("DELETE /api/files/{key...}", h.Delete)
	mux.HandleFunc("GET /api/files/status", h.Status)
	mux.HandleFunc("GET /api/files", h.List)
}

const maxUploadBytes = 64 << 20

// Upload accepts a multipart form with a "file" part and an optional "key"
// field; absent a key the part's filename is used.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, r, fmt.Errorf("invalid multipart form: %w", domain.ErrValidation))
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("missing file part: %w", domain.ErrValidation))
		return
	}
	defer part.Close()

	key := r.FormValue("key")
	if key == "" {
		key = header.Filename
	}
	info, err := h.Backend.Put(r.Context(), key, part, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	rc, info, err := h.Backend.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size))
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; nothing useful left to send.
		return
	}
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	if err := h.Backend.Delete(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	infos, err := h.Backend.List(r.Context(), r.URL.Query().Get("prefix"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": infos})
}

func (h *FileHandler) Status(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuth(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": h.Backend != nil,
		"backend": h.BackendName,
	})
}
