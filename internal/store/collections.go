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

func (s *Store) CreateCollection(ctx context.Context, c *domain.Collection) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.SchemaVersion == 0 {
		c.SchemaVersion = 1
	}

	schemaJSON, err := json.Marshal(c.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO collections (id, name, label, schema, schema_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
	`, c.ID, c.Name, c.Label, schemaJSON, c.SchemaVersion, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("collection %s: %w", c.Name, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

func (s *Store) GetCollection(ctx context.Context, name string) (*domain.Collection, error) {
	var (
		c          domain.Collection
		schemaJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, label, schema, schema_version, created_at, updated_at
		FROM collections WHERE name = $1
	`, name).Scan(&c.ID, &c.Name, &c.Label, &schemaJSON, &c.SchemaVersion, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	if err := json.Unmarshal(schemaJSON, &c.Schema); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	return &c, nil
}

func (s *Store) ListCollections(ctx context.Context) ([]*domain.Collection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, label, schema, schema_version, created_at, updated_at
		FROM collections ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []*domain.Collection
	for rows.Next() {
		var (
			c          domain.Collection
			schemaJSON []byte
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Label, &schemaJSON, &c.SchemaVersion,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		if err := json.Unmarshal(schemaJSON, &c.Schema); err != nil {
			return nil, fmt.Errorf("unmarshal schema: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UniqueBackfill names a field gaining the unique flag during an evolution.
// Normalize maps a stored value onto its index key.
type UniqueBackfill struct {
	Field     string
	Normalize func(any) string
}

// EvolveSchema applies one schema evolution in a single transaction: fields
// gaining the unique flag are backfilled (a duplicate aborts the whole
// evolution), fields losing it drop their index entries, the schema row is
// swapped, dropped fields lose their data, and new defaults are written into
// records missing the field. A failure at any step leaves the store
// untouched. The schema version is advanced so cached validators invalidate.
func (s *Store) EvolveSchema(ctx context.Context, c *domain.Collection, dropFields []string, backfill map[string]any, addUnique []UniqueBackfill, dropUnique []string) error {
	schemaJSON, err := json.Marshal(c.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, u := range addUnique {
		if err := backfillUniqueTx(ctx, tx, c.Name, u); err != nil {
			return err
		}
	}
	for _, field := range dropUnique {
		if _, err := tx.Exec(ctx, `
			DELETE FROM unique_indexes WHERE collection_name = $1 AND field_name = $2
		`, c.Name, field); err != nil {
			return fmt.Errorf("drop unique index %s: %w", field, err)
		}
	}

	var newVersion int64
	err = tx.QueryRow(ctx, `
		UPDATE collections
		SET label = $1, schema = $2::jsonb, schema_version = schema_version + 1, updated_at = NOW()
		WHERE name = $3
		RETURNING schema_version
	`, c.Label, schemaJSON, c.Name).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("collection %s: %w", c.Name, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("swap schema: %w", err)
	}

	for _, field := range dropFields {
		if _, err := tx.Exec(ctx, `
			UPDATE records SET data = data - $1, updated_at = NOW()
			WHERE collection_name = $2
		`, field, c.Name); err != nil {
			return fmt.Errorf("drop field %s data: %w", field, err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM unique_indexes WHERE collection_name = $1 AND field_name = $2
		`, c.Name, field); err != nil {
			return fmt.Errorf("drop field %s index: %w", field, err)
		}
	}

	for field, value := range backfill {
		valueJSON, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal backfill %s: %w", field, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE records
			SET data = jsonb_set(data, ARRAY[$1], $2::jsonb), updated_at = NOW()
			WHERE collection_name = $3 AND NOT data ? $1
		`, field, valueJSON, c.Name); err != nil {
			return fmt.Errorf("backfill field %s: %w", field, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.SchemaVersion = newVersion
	return nil
}

// backfillUniqueTx builds the unique index for one field inside the
// evolution transaction. Duplicates abort with the named values.
func backfillUniqueTx(ctx context.Context, tx pgx.Tx, collection string, u UniqueBackfill) error {
	rows, err := tx.Query(ctx, `
		SELECT id, data->$1 FROM records
		WHERE collection_name = $2 AND data ? $1
	`, u.Field, collection)
	if err != nil {
		return fmt.Errorf("scan for backfill: %w", err)
	}

	type entry struct{ recordID, value string }
	var entries []entry
	seen := make(map[string]string) // normalized value -> first record id
	var dups []string
	for rows.Next() {
		var (
			id      string
			rawJSON []byte
		)
		if err := rows.Scan(&id, &rawJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scan backfill row: %w", err)
		}
		var raw any
		if err := json.Unmarshal(rawJSON, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("unmarshal backfill value: %w", err)
		}
		norm := u.Normalize(raw)
		if _, dup := seen[norm]; dup {
			dups = append(dups, norm)
			continue
		}
		seen[norm] = id
		entries = append(entries, entry{recordID: id, value: norm})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("backfill rows: %w", err)
	}

	if len(dups) > 0 {
		return fmt.Errorf("field %s has duplicate values %v: %w", u.Field, dups, domain.ErrConflict)
	}

	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO unique_indexes (collection_name, field_name, normalized_value, record_id)
			VALUES ($1, $2, $3, $4)
		`, collection, u.Field, e.value, e.recordID); err != nil {
			return fmt.Errorf("insert backfill entry: %w", err)
		}
	}
	return nil
}

// DropCollection cascades records and unique index entries with the
// collection row in one transaction.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM unique_indexes WHERE collection_name = $1`, name); err != nil {
		return fmt.Errorf("drop collection indexes: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM records WHERE collection_name = $1`, name); err != nil {
		return fmt.Errorf("drop collection records: %w", err)
	}
	ct, err := tx.Exec(ctx, `DELETE FROM collections WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("collection %s: %w", name, domain.ErrNotFound)
	}
	return tx.Commit(ctx)
}

// CollectionExists is used by the schema compiler to verify reference
// targets.
func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM collections WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("collection exists: %w", err)
	}
	return exists, nil
}
