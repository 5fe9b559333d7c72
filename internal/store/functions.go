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

func (s *Store) CreateFunction(ctx context.Context, fn *domain.FunctionDefinition) error {
	now := time.Now().UTC()
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = now
	}
	fn.UpdatedAt = now

	data, err := json.Marshal(fn)
	if err != nil {
		return fmt.Errorf("marshal function: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO functions (id, name, data, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
	`, fn.ID, fn.Name, data, fn.CreatedAt, fn.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("function %s: %w", fn.Name, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create function: %w", err)
	}
	return nil
}

func (s *Store) GetFunction(ctx context.Context, name string) (*domain.FunctionDefinition, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM functions WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("function %s: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}
	var fn domain.FunctionDefinition
	if err := json.Unmarshal(data, &fn); err != nil {
		return nil, fmt.Errorf("unmarshal function: %w", err)
	}
	return &fn, nil
}

func (s *Store) ListFunctions(ctx context.Context) ([]*domain.FunctionDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM functions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionDefinition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan function: %w", err)
		}
		var fn domain.FunctionDefinition
		if err := json.Unmarshal(data, &fn); err != nil {
			return nil, fmt.Errorf("unmarshal function: %w", err)
		}
		out = append(out, &fn)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFunction(ctx context.Context, fn *domain.FunctionDefinition) error {
	fn.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(fn)
	if err != nil {
		return fmt.Errorf("marshal function: %w", err)
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE functions SET data = $1::jsonb, updated_at = $2 WHERE name = $3
	`, data, fn.UpdatedAt, fn.Name)
	if err != nil {
		return fmt.Errorf("update function: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("function %s: %w", fn.Name, domain.ErrNotFound)
	}
	return nil
}

// DeleteFunction removes the definition and all of its versions. Call
// history stays for audit.
func (s *Store) DeleteFunction(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM function_versions WHERE function_name = $1`, name); err != nil {
		return fmt.Errorf("delete function versions: %w", err)
	}
	ct, err := tx.Exec(ctx, `DELETE FROM functions WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete function: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("function %s: %w", name, domain.ErrNotFound)
	}
	return tx.Commit(ctx)
}

// PublishVersion records v as the function's active version. If a version
// with the same content hash already exists the publish collapses onto it:
// no new row, the existing version becomes active, and the returned version
// reflects the original deploy metadata. existing reports which path ran.
func (s *Store) PublishVersion(ctx context.Context, v *domain.FunctionVersion) (out *domain.FunctionVersion, existing bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	prev, err := scanVersion(tx.QueryRow(ctx, `
		SELECT id, function_name, content_hash, source_text, inline_deps,
		       deployed_by, deployed_at, notes, is_active
		FROM function_versions WHERE function_name = $1 AND content_hash = $2
	`, v.FunctionName, v.ContentHash))
	switch {
	case err == nil:
		if _, err := tx.Exec(ctx, `
			UPDATE function_versions SET is_active = FALSE
			WHERE function_name = $1 AND is_active
		`, v.FunctionName); err != nil {
			return nil, false, fmt.Errorf("deactivate versions: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE function_versions SET is_active = TRUE WHERE id = $1
		`, prev.ID); err != nil {
			return nil, false, fmt.Errorf("reactivate version: %w", err)
		}
		prev.IsActive = true
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return prev, true, nil
	case errors.Is(err, domain.ErrNotFound):
		// New content, fall through to insert.
	default:
		return nil, false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE function_versions SET is_active = FALSE
		WHERE function_name = $1 AND is_active
	`, v.FunctionName); err != nil {
		return nil, false, fmt.Errorf("deactivate versions: %w", err)
	}

	v.DeployedAt = time.Now().UTC()
	v.IsActive = true
	depsJSON, err := json.Marshal(v.InlineDeps)
	if err != nil {
		return nil, false, fmt.Errorf("marshal inline deps: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO function_versions
			(id, function_name, content_hash, source_text, inline_deps,
			 deployed_by, deployed_at, notes, is_active)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, TRUE)
	`, v.ID, v.FunctionName, v.ContentHash, v.SourceText, depsJSON,
		v.DeployedBy, v.DeployedAt, v.Notes); err != nil {
		return nil, false, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return v, false, nil
}

// ActivateVersion rolls the function back (or forward) to the named version.
func (s *Store) ActivateVersion(ctx context.Context, functionName, versionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM function_versions WHERE id = $1 AND function_name = $2)
	`, versionID, functionName).Scan(&exists); err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if !exists {
		return fmt.Errorf("version %s: %w", versionID, domain.ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE function_versions SET is_active = FALSE
		WHERE function_name = $1 AND is_active
	`, functionName); err != nil {
		return fmt.Errorf("deactivate versions: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE function_versions SET is_active = TRUE WHERE id = $1
	`, versionID); err != nil {
		return fmt.Errorf("activate version: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetActiveVersion(ctx context.Context, functionName string) (*domain.FunctionVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx, `
		SELECT id, function_name, content_hash, source_text, inline_deps,
		       deployed_by, deployed_at, notes, is_active
		FROM function_versions WHERE function_name = $1 AND is_active
	`, functionName))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("no active version for %s: %w", functionName, domain.ErrNotFound)
	}
	return v, err
}

func (s *Store) GetVersion(ctx context.Context, id string) (*domain.FunctionVersion, error) {
	return scanVersion(s.pool.QueryRow(ctx, `
		SELECT id, function_name, content_hash, source_text, inline_deps,
		       deployed_by, deployed_at, notes, is_active
		FROM function_versions WHERE id = $1
	`, id))
}

func (s *Store) ListVersions(ctx context.Context, functionName string) ([]*domain.FunctionVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, function_name, content_hash, source_text, inline_deps,
		       deployed_by, deployed_at, notes, is_active
		FROM function_versions WHERE function_name = $1
		ORDER BY deployed_at DESC
	`, functionName)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(row pgx.Row) (*domain.FunctionVersion, error) {
	var (
		v        domain.FunctionVersion
		depsJSON []byte
	)
	err := row.Scan(&v.ID, &v.FunctionName, &v.ContentHash, &v.SourceText, &depsJSON,
		&v.DeployedBy, &v.DeployedAt, &v.Notes, &v.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("version: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	if err := json.Unmarshal(depsJSON, &v.InlineDeps); err != nil {
		return nil, fmt.Errorf("unmarshal inline deps: %w", err)
	}
	return &v, nil
}
