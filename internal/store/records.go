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

// RefTarget names the record a reference field must resolve to.
type RefTarget struct {
	Collection string
	RecordID   string
}

func (s *Store) insertUniqueEntries(ctx context.Context, tx pgx.Tx, collection, recordID string, entries map[string]string) error {
	for field, value := range entries {
		ct, err := tx.Exec(ctx, `
			INSERT INTO unique_indexes (collection_name, field_name, normalized_value, record_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (collection_name, field_name, normalized_value) DO NOTHING
		`, collection, field, value, recordID)
		if err != nil {
			return fmt.Errorf("insert unique entry: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return domain.UniqueViolation(field)
		}
	}
	return nil
}

func checkReferences(ctx context.Context, tx pgx.Tx, refs map[string]RefTarget) error {
	for field, ref := range refs {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM records WHERE collection_name = $1 AND id = $2)
		`, ref.Collection, ref.RecordID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check reference: %w", err)
		}
		if !exists {
			return domain.ReferenceViolation(field)
		}
	}
	return nil
}

// CreateRecord inserts the record, its unique index entries, and verifies
// references in one transaction. On violation nothing is written.
func (s *Store) CreateRecord(ctx context.Context, r *domain.Record, unique map[string]string, refs map[string]RefTarget) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Version = 1

	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("marshal record data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkReferences(ctx, tx, refs); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO records (id, collection_name, owner_id, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
	`, r.ID, r.CollectionName, r.OwnerID, dataJSON, r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	if err := s.insertUniqueEntries(ctx, tx, r.CollectionName, r.ID, unique); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetRecord(ctx context.Context, collection, id string) (*domain.Record, error) {
	var (
		r        domain.Record
		dataJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, collection_name, owner_id, data, version, created_at, updated_at
		FROM records WHERE collection_name = $1 AND id = $2
	`, collection, id).Scan(&r.ID, &r.CollectionName, &r.OwnerID, &dataJSON, &r.Version,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s: %w", collection, id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if err := json.Unmarshal(dataJSON, &r.Data); err != nil {
		return nil, fmt.Errorf("unmarshal record data: %w", err)
	}
	return &r, nil
}

// ListRecords returns one page plus the true total. An equality filter on
// data fields is applied with a JSONB containment match. Offsets beyond the
// total return an empty page with the true total.
func (s *Store) ListRecords(ctx context.Context, collection string, limit, offset int, filter map[string]any) ([]*domain.Record, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := `collection_name = $1`
	args := []any{collection}
	if len(filter) > 0 {
		filterJSON, err := json.Marshal(filter)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal filter: %w", err)
		}
		where += ` AND data @> $2::jsonb`
		args = append(args, filterJSON)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, collection_name, owner_id, data, version, created_at, updated_at
		FROM records WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		var (
			r        domain.Record
			dataJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.CollectionName, &r.OwnerID, &dataJSON, &r.Version,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(dataJSON, &r.Data); err != nil {
			return nil, 0, fmt.Errorf("unmarshal record data: %w", err)
		}
		out = append(out, &r)
	}
	return out, total, rows.Err()
}

// UpdateRecord writes the merged record guarded by the version the caller
// read. Unique index entries are recomputed only for changed fields:
// removeUnique lists fields whose old entry must go, addUnique carries the
// new normalized values.
func (s *Store) UpdateRecord(ctx context.Context, r *domain.Record, expectedVersion int64, removeUnique []string, addUnique map[string]string, refs map[string]RefTarget) error {
	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("marshal record data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkReferences(ctx, tx, refs); err != nil {
		return err
	}

	var newVersion int64
	err = tx.QueryRow(ctx, `
		UPDATE records
		SET data = $1::jsonb, version = version + 1, updated_at = NOW()
		WHERE collection_name = $2 AND id = $3 AND version = $4
		RETURNING version
	`, dataJSON, r.CollectionName, r.ID, expectedVersion).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the record is gone or someone updated it since the read.
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM records WHERE collection_name = $1 AND id = $2)
		`, r.CollectionName, r.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		if exists {
			return fmt.Errorf("record %s/%s: %w", r.CollectionName, r.ID, domain.ErrConcurrency)
		}
		return fmt.Errorf("record %s/%s: %w", r.CollectionName, r.ID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	for _, field := range removeUnique {
		if _, err := tx.Exec(ctx, `
			DELETE FROM unique_indexes
			WHERE collection_name = $1 AND field_name = $2 AND record_id = $3
		`, r.CollectionName, field, r.ID); err != nil {
			return fmt.Errorf("remove unique entry: %w", err)
		}
	}
	if err := s.insertUniqueEntries(ctx, tx, r.CollectionName, r.ID, addUnique); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.Version = newVersion
	return nil
}

// DeleteRecord removes the record and its unique entries atomically.
func (s *Store) DeleteRecord(ctx context.Context, collection, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM unique_indexes WHERE collection_name = $1 AND record_id = $2
	`, collection, id); err != nil {
		return fmt.Errorf("delete unique entries: %w", err)
	}
	ct, err := tx.Exec(ctx,
		`DELETE FROM records WHERE collection_name = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("record %s/%s: %w", collection, id, domain.ErrNotFound)
	}
	return tx.Commit(ctx)
}

func (s *Store) CountRecords(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE collection_name = $1`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
