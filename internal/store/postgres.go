// Package store is the durable persistence layer over Postgres. The database
// is the source of truth; no in-memory cache shadows mutable state except
// the schema validator cache owned by the collections runtime.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			token_epoch BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			label TEXT NOT NULL DEFAULT '',
			schema JSONB NOT NULL,
			schema_version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT NOT NULL,
			collection_name TEXT NOT NULL,
			owner_id TEXT,
			data JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (collection_name, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id)`,
		`CREATE TABLE IF NOT EXISTS unique_indexes (
			collection_name TEXT NOT NULL,
			field_name TEXT NOT NULL,
			normalized_value TEXT NOT NULL,
			record_id TEXT NOT NULL,
			PRIMARY KEY (collection_name, field_name, normalized_value)
		)`,
		`CREATE TABLE IF NOT EXISTS functions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS function_versions (
			id TEXT PRIMARY KEY,
			function_name TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			source_text TEXT NOT NULL,
			inline_deps JSONB NOT NULL DEFAULT '[]',
			deployed_by TEXT NOT NULL DEFAULT '',
			deployed_at TIMESTAMPTZ NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (function_name, content_hash)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_function_versions_active
			ON function_versions(function_name) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS function_calls (
			id TEXT PRIMARY KEY,
			function_name TEXT NOT NULL,
			version_id TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL,
			caller_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			duration_ms BIGINT,
			input JSONB,
			output JSONB,
			error_type TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_function_calls_name_time
			ON function_calls(function_name, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_function_calls_status ON function_calls(status)`,
		`CREATE TABLE IF NOT EXISTS function_schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			function_name TEXT NOT NULL,
			spec JSONB NOT NULL,
			input JSONB,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			next_run_at TIMESTAMPTZ,
			last_run_at TIMESTAMPTZ,
			last_call_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due
			ON function_schedules(next_run_at) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS application_tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			value_type TEXT NOT NULL DEFAULT 'string',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
