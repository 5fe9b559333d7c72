package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/logging"
)

// errorBody is the stable error envelope. Code is one of the sentinel kind
// names; details carries field errors for validation failures.
type errorBody struct {
	Error struct {
		Code    string              `json:"code"`
		Message string              `json:"message"`
		Details []domain.FieldError `json:"details,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logging.Op().Error("encode response", slog.String("error", err.Error()))
		}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()

	var verrs domain.ValidationErrors
	if errors.As(err, &verrs) {
		body.Error.Details = verrs
	}

	if status >= 500 {
		logging.Op().Error("request failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		// Internal detail stays in the log.
		body.Error.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConcurrency):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrBadSource):
		return http.StatusBadRequest, "bad_source"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrCancelled):
		return http.StatusConflict, "cancelled"
	case errors.Is(err, domain.ErrProtocol):
		return http.StatusBadGateway, "protocol_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

const maxBodyBytes = 1 << 20

// decodeJSON reads the request body into v with a size cap.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", domain.ErrValidation)
	}
	return nil
}
