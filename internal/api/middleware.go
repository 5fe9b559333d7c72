package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/identity"
	"github.com/stratabase/strata/internal/logging"
	"github.com/stratabase/strata/internal/metrics"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyIdentity
)

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func identityFrom(ctx context.Context) *identity.Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*identity.Identity)
	return id
}

// requestIDMiddleware tags each request with a correlation id and logs the
// outcome.
func requestIDMiddleware(met *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", id)

			if met != nil {
				met.IncActiveRequests()
				defer met.DecActiveRequests()
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))

			logging.Op().Debug("request",
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// corsMiddleware answers preflights and stamps the allowed origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifier resolves bearer credentials to an identity.
type verifier interface {
	Verify(ctx context.Context, accessToken string) (*identity.Identity, error)
	VerifyAppToken(ctx context.Context, plaintext string) (*identity.Identity, error)
}

// authMiddleware attaches the caller's identity when a bearer credential is
// presented. Requests without credentials pass through anonymously; handlers
// decide what requires authentication. A presented-but-invalid credential is
// rejected outright.
func authMiddleware(ids verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, r, fmt.Errorf("malformed authorization header: %w", domain.ErrUnauthorized))
				return
			}

			var id *identity.Identity
			var err error
			if strings.HasPrefix(token, "strata_") {
				id, err = ids.VerifyAppToken(r.Context(), token)
			} else {
				id, err = ids.Verify(r.Context(), token)
			}
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyIdentity, id)))
		})
	}
}

// requireAuth returns the caller's identity or writes a 401.
func requireAuth(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	id := identityFrom(r.Context())
	if id == nil {
		writeError(w, r, fmt.Errorf("authentication required: %w", domain.ErrUnauthorized))
		return nil, false
	}
	return id, true
}

// requireAdmin returns the caller's identity or writes a 401/403.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	id, ok := requireAuth(w, r)
	if !ok {
		return nil, false
	}
	if !id.Caller().IsAdmin {
		writeError(w, r, fmt.Errorf("admin access required: %w", domain.ErrForbidden))
		return nil, false
	}
	return id, true
}

func callerFrom(r *http.Request) domain.Caller {
	if id := identityFrom(r.Context()); id != nil {
		return id.Caller()
	}
	return domain.Caller{}
}
