package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stratabase/strata/internal/domain"
)

func (s *Store) SaveToken(ctx context.Context, t *domain.ApplicationToken) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO application_tokens
			(id, name, hash, is_active, expires_at, last_used_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.Name, t.Hash, t.IsActive, t.ExpiresAt, t.LastUsedAt, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("token: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*domain.ApplicationToken, error) {
	var t domain.ApplicationToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, hash, is_active, expires_at, last_used_at, created_at, updated_at
		FROM application_tokens WHERE hash = $1
	`, hash).Scan(&t.ID, &t.Name, &t.Hash, &t.IsActive, &t.ExpiresAt,
		&t.LastUsedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTokens(ctx context.Context) ([]*domain.ApplicationToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, hash, is_active, expires_at, last_used_at, created_at, updated_at
		FROM application_tokens ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []*domain.ApplicationToken
	for rows.Next() {
		var t domain.ApplicationToken
		if err := rows.Scan(&t.ID, &t.Name, &t.Hash, &t.IsActive, &t.ExpiresAt,
			&t.LastUsedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) SetTokenActive(ctx context.Context, id string, active bool) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE application_tokens SET is_active = $1, updated_at = NOW() WHERE id = $2
	`, active, id)
	if err != nil {
		return fmt.Errorf("set token active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("token %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM application_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("token %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// TouchTokenLastUsed is best effort; auth must not fail on it.
func (s *Store) TouchTokenLastUsed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE application_tokens SET last_used_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}
