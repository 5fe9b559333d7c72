package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stratabase/strata/internal/domain"
)

func (s *Store) SaveSchedule(ctx context.Context, sch *domain.FunctionSchedule) error {
	now := time.Now().UTC()
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = now
	}
	sch.UpdatedAt = now

	specJSON, err := json.Marshal(sch.Spec)
	if err != nil {
		return fmt.Errorf("marshal schedule spec: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO function_schedules
			(id, name, function_name, spec, input, is_active,
			 next_run_at, last_run_at, last_call_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			spec = EXCLUDED.spec,
			input = EXCLUDED.input,
			is_active = EXCLUDED.is_active,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = EXCLUDED.updated_at
	`, sch.ID, sch.Name, sch.FunctionName, specJSON, nullableJSON(sch.Input),
		sch.IsActive, sch.NextRunAt, sch.LastRunAt, sch.LastCallID,
		sch.CreatedAt, sch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.FunctionSchedule, error) {
	sch, err := scanSchedule(s.pool.QueryRow(ctx, `
		SELECT id, name, function_name, spec, input, is_active,
		       next_run_at, last_run_at, last_call_id, created_at, updated_at
		FROM function_schedules WHERE id = $1
	`, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return sch, err
}

func (s *Store) ListSchedules(ctx context.Context, functionName string) ([]*domain.FunctionSchedule, error) {
	where := `TRUE`
	var args []any
	if functionName != "" {
		where = `function_name = $1`
		args = append(args, functionName)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, function_name, spec, input, is_active,
		       next_run_at, last_run_at, last_call_id, created_at, updated_at
		FROM function_schedules WHERE `+where+` ORDER BY created_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionSchedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// ListDueSchedules returns active schedules whose next_run_at is at or
// before now, oldest first, capped at limit. Overdue fires come back first
// so a backlog drains in order.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.FunctionSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, function_name, spec, input, is_active,
		       next_run_at, last_run_at, last_call_id, created_at, updated_at
		FROM function_schedules
		WHERE is_active AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionSchedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// UpdateScheduleAfterFire persists the outcome of one fire: the last run,
// the spawned call, and either the advanced next_run_at or deactivation when
// the schedule is exhausted (next == nil).
func (s *Store) UpdateScheduleAfterFire(ctx context.Context, id string, lastRun time.Time, lastCallID string, next *time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE function_schedules
		SET last_run_at = $1, last_call_id = $2, next_run_at = $3,
		    is_active = ($3 IS NOT NULL), updated_at = NOW()
		WHERE id = $4
	`, lastRun.UTC(), lastCallID, next, id)
	if err != nil {
		return fmt.Errorf("update schedule after fire: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetScheduleActive(ctx context.Context, id string, active bool, next *time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE function_schedules
		SET is_active = $1, next_run_at = $2, updated_at = NOW()
		WHERE id = $3
	`, active, next, id)
	if err != nil {
		return fmt.Errorf("set schedule active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM function_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanSchedule(row pgx.Row) (*domain.FunctionSchedule, error) {
	var (
		sch      domain.FunctionSchedule
		specJSON []byte
	)
	err := row.Scan(&sch.ID, &sch.Name, &sch.FunctionName, &specJSON, &sch.Input,
		&sch.IsActive, &sch.NextRunAt, &sch.LastRunAt, &sch.LastCallID,
		&sch.CreatedAt, &sch.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schedule: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal(specJSON, &sch.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal schedule spec: %w", err)
	}
	return &sch, nil
}
