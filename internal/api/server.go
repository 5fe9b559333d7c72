// Package api is the HTTP surface: handler structs per concern registered
// on one mux, wrapped by request-id, CORS, and auth middleware.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/stratabase/strata/internal/files"
	"github.com/stratabase/strata/internal/logging"
	"github.com/stratabase/strata/internal/metrics"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig carries the wired dependencies for the HTTP server.
type ServerConfig struct {
	Auth        authService
	Verifier    verifier
	Collections collectionsService
	Functions   functionStore
	Registry    registryService
	Engine      invoker
	Pool        workerPool
	Scheduler   schedulerService
	Settings    settingsService
	Tokens      tokenService
	Files       files.Backend
	FilesName   string
	DB          pinger
	Metrics     *metrics.Metrics

	CORSOrigins     []string
	PublicStaticDir string
	AdminStaticDir  string
}

// NewHandler builds the full route tree.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	(&AuthHandler{Auth: cfg.Auth}).RegisterRoutes(mux)
	(&CollectionHandler{Collections: cfg.Collections}).RegisterRoutes(mux)
	(&FunctionHandler{Store: cfg.Functions, Registry: cfg.Registry, Engine: cfg.Engine, Pool: cfg.Pool}).RegisterRoutes(mux)
	(&ScheduleHandler{Scheduler: cfg.Scheduler}).RegisterRoutes(mux)
	(&SettingsHandler{Settings: cfg.Settings, Tokens: cfg.Tokens}).RegisterRoutes(mux)
	if cfg.Files != nil {
		(&FileHandler{Backend: cfg.Files, BackendName: cfg.FilesName}).RegisterRoutes(mux)
	}

	mux.HandleFunc("GET /api/health", healthHandler(cfg.DB))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
	if cfg.AdminStaticDir != "" {
		mux.Handle("/admin/", http.StripPrefix("/admin/", http.FileServer(http.Dir(cfg.AdminStaticDir))))
	}
	if cfg.PublicStaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.PublicStaticDir)))
	}

	var handler http.Handler = mux
	handler = authMiddleware(cfg.Verifier)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = requestIDMiddleware(cfg.Metrics)(handler)
	return handler
}

// StartServer runs the handler on addr in a background goroutine.
func StartServer(addr string, handler http.Handler) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server", slog.String("error", err.Error()))
		}
	}()
	logging.Op().Info("http server listening", slog.String("addr", addr))
	return server
}

func healthHandler(db pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, map[string]string{"status": status})
	}
}
