package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/stratabase/strata/internal/domain"
)

func (s *Store) GetSetting(ctx context.Context, key string) (*domain.Setting, error) {
	var out domain.Setting
	err := s.pool.QueryRow(ctx, `
		SELECT key, value, value_type, updated_at FROM settings WHERE key = $1
	`, key).Scan(&out.Key, &out.Value, &out.ValueType, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("setting %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	return &out, nil
}

func (s *Store) SetSetting(ctx context.Context, set *domain.Setting) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, value_type, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			value_type = EXCLUDED.value_type,
			updated_at = NOW()
	`, set.Key, set.Value, set.ValueType)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ListSettings returns settings under prefix, or all when prefix is empty.
func (s *Store) ListSettings(ctx context.Context, prefix string) ([]*domain.Setting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, value_type, updated_at FROM settings
		WHERE $1 = '' OR key LIKE $1 || '%'
		ORDER BY key
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Setting
	for rows.Next() {
		var set domain.Setting
		if err := rows.Scan(&set.Key, &set.Value, &set.ValueType, &set.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, &set)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("setting %s: %w", key, domain.ErrNotFound)
	}
	return nil
}
