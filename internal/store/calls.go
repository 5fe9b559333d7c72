package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stratabase/strata/internal/domain"
)

// CallFilter narrows ListCalls. Zero values mean no constraint.
type CallFilter struct {
	FunctionName string
	Status       domain.CallStatus
	Trigger      domain.Trigger
	Limit        int
	Offset       int
}

func (s *Store) CreateCall(ctx context.Context, c *domain.FunctionCall) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO function_calls
			(id, function_name, version_id, trigger_type, caller_id, status,
			 started_at, ended_at, duration_ms, input, output,
			 error_type, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, c.ID, c.FunctionName, c.VersionID, c.Trigger, c.CallerID, c.Status,
		c.StartedAt, c.EndedAt, c.DurationMS, nullableJSON(c.Input), nullableJSON(c.Output),
		c.ErrorType, c.ErrorMessage, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

func (s *Store) MarkCallRunning(ctx context.Context, id string, startedAt time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE function_calls
		SET status = $1, started_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, domain.CallRunning, startedAt.UTC(), id, domain.CallPending)
	if err != nil {
		return fmt.Errorf("mark call running: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("call %s not pending: %w", id, domain.ErrConflict)
	}
	return nil
}

// FinishCall writes the terminal state. The guard on non-terminal status
// makes terminal transitions win-once: a cancel racing a success leaves
// whichever landed first.
func (s *Store) FinishCall(ctx context.Context, c *domain.FunctionCall) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE function_calls
		SET status = $1, ended_at = $2, duration_ms = $3, output = $4,
		    error_type = $5, error_message = $6, updated_at = NOW()
		WHERE id = $7 AND status IN ($8, $9)
	`, c.Status, c.EndedAt, c.DurationMS, nullableJSON(c.Output),
		c.ErrorType, c.ErrorMessage, c.ID, domain.CallPending, domain.CallRunning)
	if err != nil {
		return fmt.Errorf("finish call: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("call %s already terminal: %w", c.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id string) (*domain.FunctionCall, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, `
		SELECT id, function_name, version_id, trigger_type, caller_id, status,
		       started_at, ended_at, duration_ms, input, output,
		       error_type, error_message, created_at, updated_at
		FROM function_calls WHERE id = $1
	`, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListCalls(ctx context.Context, f CallFilter) ([]*domain.FunctionCall, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := `TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.FunctionName != "" {
		add("function_name", f.FunctionName)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Trigger != "" {
		add("trigger_type", f.Trigger)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM function_calls WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count calls: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, function_name, version_id, trigger_type, caller_id, status,
		       started_at, ended_at, duration_ms, input, output,
		       error_type, error_message, created_at, updated_at
		FROM function_calls WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionCall
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// SweepAbandoned fails calls stuck non-terminal from before a crash or
// restart. cutoff bounds how recent a row may be and still be swept.
func (s *Store) SweepAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE function_calls
		SET status = $1, ended_at = NOW(), error_type = $2,
		    error_message = 'call abandoned by server restart', updated_at = NOW()
		WHERE status IN ($3, $4) AND updated_at < $5
	`, domain.CallFailed, domain.ErrTypeAbandoned,
		domain.CallPending, domain.CallRunning, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep abandoned calls: %w", err)
	}
	return ct.RowsAffected(), nil
}

func scanCall(row pgx.Row) (*domain.FunctionCall, error) {
	var c domain.FunctionCall
	err := row.Scan(&c.ID, &c.FunctionName, &c.VersionID, &c.Trigger, &c.CallerID,
		&c.Status, &c.StartedAt, &c.EndedAt, &c.DurationMS, &c.Input, &c.Output,
		&c.ErrorType, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("call: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	return &c, nil
}

// nullableJSON maps empty raw messages to SQL NULL so JSONB columns never
// receive the empty string.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
