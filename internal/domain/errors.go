package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Components wrap these with fmt.Errorf("...: %w", err)
// and the HTTP layer maps them onto stable response codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")
	ErrTimeout      = errors.New("timeout")
	ErrCancelled    = errors.New("cancelled")
	ErrBadSource    = errors.New("bad source")
	ErrProtocol     = errors.New("protocol error")
	ErrCrashed      = errors.New("worker crashed")
	ErrConcurrency  = errors.New("concurrent modification")
	ErrInternal     = errors.New("internal error")
)

// Error types recorded on failed FunctionCalls.
const (
	ErrTypeCrashed     = "crashed"
	ErrTypeTimeout     = "timeout"
	ErrTypeCancelled   = "cancelled"
	ErrTypeProtocol    = "protocol_error"
	ErrTypeRateLimited = "rate_limited"
	ErrTypeAbandoned   = "abandoned"
	ErrTypeDispatch    = "dispatch_failed"
	ErrTypeUserError   = "error"
)

// FieldError is one validation failure at a field path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors carries the full list of field-path messages. It unwraps
// to ErrValidation so callers can match with errors.Is.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() error { return ErrValidation }

// ConflictError names the field whose uniqueness or reference was violated.
type ConflictError struct {
	Field  string
	Reason string // "unique" or "reference"
}

func (c *ConflictError) Error() string {
	return fmt.Sprintf("%s violation on field %q", c.Reason, c.Field)
}

func (c *ConflictError) Unwrap() error { return ErrConflict }

// UniqueViolation builds a ConflictError for a duplicated unique value.
func UniqueViolation(field string) error {
	return &ConflictError{Field: field, Reason: "unique"}
}

// ReferenceViolation builds a ConflictError for a dangling reference.
func ReferenceViolation(field string) error {
	return &ConflictError{Field: field, Reason: "reference"}
}
