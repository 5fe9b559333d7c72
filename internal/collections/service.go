// Package collections is the runtime over dynamic, schema-driven record
// collections: schema compilation and evolution, validated CRUD, uniqueness
// and reference enforcement.
package collections

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/logging"
	"github.com/stratabase/strata/internal/schema"
	"github.com/stratabase/strata/internal/store"
)

// Store is the persistence surface the runtime drives.
type Store interface {
	CreateCollection(ctx context.Context, c *domain.Collection) error
	GetCollection(ctx context.Context, name string) (*domain.Collection, error)
	ListCollections(ctx context.Context) ([]*domain.Collection, error)
	EvolveSchema(ctx context.Context, c *domain.Collection, dropFields []string, backfill map[string]any, addUnique []store.UniqueBackfill, dropUnique []string) error
	DropCollection(ctx context.Context, name string) error
	CollectionExists(ctx context.Context, name string) (bool, error)

	CreateRecord(ctx context.Context, r *domain.Record, unique map[string]string, refs map[string]store.RefTarget) error
	GetRecord(ctx context.Context, collection, id string) (*domain.Record, error)
	ListRecords(ctx context.Context, collection string, limit, offset int, filter map[string]any) ([]*domain.Record, int, error)
	UpdateRecord(ctx context.Context, r *domain.Record, expectedVersion int64, removeUnique []string, addUnique map[string]string, refs map[string]store.RefTarget) error
	DeleteRecord(ctx context.Context, collection, id string) error
	CountRecords(ctx context.Context, collection string) (int, error)
}

type cachedValidator struct {
	version   int64
	validator *schema.Validator
}

// Service compiles schemas once per version and validates every record
// mutation against the cached result.
type Service struct {
	store Store

	mu    sync.RWMutex
	cache map[string]cachedValidator

	compile singleflight.Group
}

func NewService(st Store) *Service {
	return &Service{
		store: st,
		cache: make(map[string]cachedValidator),
	}
}

func (s *Service) existsFunc(ctx context.Context) schema.CollectionExistsFunc {
	return func(name string) bool {
		ok, err := s.store.CollectionExists(ctx, name)
		return err == nil && ok
	}
}

// CreateCollection compiles the schema and persists the collection.
func (s *Service) CreateCollection(ctx context.Context, name, label string, fields []domain.FieldDef) (*domain.Collection, error) {
	if !schema.ValidName(name) {
		return nil, fmt.Errorf("collection name %q must be snake_case: %w", name, domain.ErrValidation)
	}
	if _, err := schema.Compile(fields, s.existsFunc(ctx)); err != nil {
		return nil, err
	}

	c := &domain.Collection{
		ID:     domain.NewID(),
		Name:   name,
		Label:  label,
		Schema: fields,
	}
	if err := s.store.CreateCollection(ctx, c); err != nil {
		return nil, err
	}
	logging.Op().Info("collection created",
		slog.String("collection", name), slog.Int("fields", len(fields)))
	return c, nil
}

func (s *Service) GetCollection(ctx context.Context, name string) (*domain.Collection, error) {
	return s.store.GetCollection(ctx, name)
}

func (s *Service) ListCollections(ctx context.Context) ([]*domain.Collection, error) {
	return s.store.ListCollections(ctx)
}

// UpdateSchema evolves the collection to the new field list. Rules:
// adding an optional field is free; adding a required field without a
// default fails unless the collection is empty; a new unique flag triggers
// a backfill that fails on duplicates; removed fields lose their data in
// the same transaction as the swap.
func (s *Service) UpdateSchema(ctx context.Context, name, label string, fields []domain.FieldDef) (*domain.Collection, error) {
	c, err := s.store.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	newV, err := schema.Compile(fields, s.existsFunc(ctx))
	if err != nil {
		return nil, err
	}

	oldByName := make(map[string]domain.FieldDef, len(c.Schema))
	for _, def := range c.Schema {
		oldByName[def.Name] = def
	}
	newByName := make(map[string]domain.FieldDef, len(fields))
	for _, def := range fields {
		newByName[def.Name] = def
	}

	count := -1
	records := func() (int, error) {
		if count == -1 {
			n, err := s.store.CountRecords(ctx, name)
			if err != nil {
				return 0, err
			}
			count = n
		}
		return count, nil
	}

	var dropFields []string
	for fname := range oldByName {
		if _, kept := newByName[fname]; !kept {
			dropFields = append(dropFields, fname)
		}
	}

	backfill := make(map[string]any)
	var newUnique []string
	var droppedUnique []string
	for _, def := range fields {
		old, existed := oldByName[def.Name]
		if !existed {
			if def.Required && def.Default == nil {
				n, err := records()
				if err != nil {
					return nil, err
				}
				if n > 0 {
					return nil, fmt.Errorf("field %q: required field without default on non-empty collection: %w",
						def.Name, domain.ErrValidation)
				}
			}
			if def.Default != nil {
				backfill[def.Name] = def.Default
			}
		}
		if def.Unique && (!existed || !old.Unique) {
			newUnique = append(newUnique, def.Name)
		}
	}
	for fname, old := range oldByName {
		if old.Unique {
			if kept, stillThere := newByName[fname]; stillThere && !kept.Unique {
				droppedUnique = append(droppedUnique, fname)
			}
		}
	}

	// Backfill, index drops, data drops, and the swap commit together;
	// duplicate data aborts the evolution with the store untouched.
	addUnique := make([]store.UniqueBackfill, 0, len(newUnique))
	for _, fname := range newUnique {
		def, _ := newV.Field(fname)
		addUnique = append(addUnique, store.UniqueBackfill{
			Field: fname,
			Normalize: func(val any) string {
				return schema.NormalizeUnique(def, val)
			},
		})
	}

	c.Label = label
	c.Schema = fields
	if err := s.store.EvolveSchema(ctx, c, dropFields, backfill, addUnique, droppedUnique); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()

	logging.Op().Info("collection schema updated",
		slog.String("collection", name), slog.Int64("schema_version", c.SchemaVersion))
	return c, nil
}

func (s *Service) DeleteCollection(ctx context.Context, name string) error {
	if err := s.store.DropCollection(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	logging.Op().Info("collection deleted", slog.String("collection", name))
	return nil
}

// validator returns the compiled validator for the collection, compiling at
// most once per schema version.
func (s *Service) validator(ctx context.Context, name string) (*schema.Validator, *domain.Collection, error) {
	c, err := s.store.GetCollection(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && cached.version == c.SchemaVersion {
		return cached.validator, c, nil
	}

	key := fmt.Sprintf("%s@%d", name, c.SchemaVersion)
	v, err, _ := s.compile.Do(key, func() (any, error) {
		compiled, err := schema.Compile(c.Schema, nil)
		if err != nil {
			return nil, fmt.Errorf("stored schema for %s does not compile: %w", name, err)
		}
		s.mu.Lock()
		s.cache[name] = cachedValidator{version: c.SchemaVersion, validator: compiled}
		s.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return v.(*schema.Validator), c, nil
}

func uniqueEntries(v *schema.Validator, data map[string]any) map[string]string {
	out := make(map[string]string)
	for _, fname := range v.UniqueFields() {
		if val, ok := data[fname]; ok && val != nil {
			def, _ := v.Field(fname)
			out[fname] = schema.NormalizeUnique(def, val)
		}
	}
	return out
}

func referenceTargets(v *schema.Validator, data map[string]any) map[string]store.RefTarget {
	out := make(map[string]store.RefTarget)
	for fname, target := range v.ReferenceFields() {
		if val, ok := data[fname]; ok && val != nil {
			if id, ok := val.(string); ok {
				out[fname] = store.RefTarget{Collection: target, RecordID: id}
			}
		}
	}
	return out
}

// Create validates data and inserts the record with its unique index
// entries and reference checks in one transaction.
func (s *Service) Create(ctx context.Context, collection string, data map[string]any, ownerID *string) (*domain.Record, error) {
	v, _, err := s.validator(ctx, collection)
	if err != nil {
		return nil, err
	}
	normalized, err := v.Validate(data)
	if err != nil {
		return nil, err
	}

	r := &domain.Record{
		ID:             domain.NewID(),
		CollectionName: collection,
		OwnerID:        ownerID,
		Data:           normalized,
	}
	if err := s.store.CreateRecord(ctx, r, uniqueEntries(v, normalized), referenceTargets(v, normalized)); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, collection, id string) (*domain.Record, error) {
	return s.store.GetRecord(ctx, collection, id)
}

func (s *Service) List(ctx context.Context, collection string, limit, offset int, filter map[string]any) ([]*domain.Record, int, error) {
	if _, err := s.store.GetCollection(ctx, collection); err != nil {
		return nil, 0, err
	}
	return s.store.ListRecords(ctx, collection, limit, offset, filter)
}

// Update applies a partial patch. expectedVersion is the version the caller
// read; a mismatch surfaces as a concurrency error. Unique index entries
// are recomputed only for patched fields.
func (s *Service) Update(ctx context.Context, collection, id string, patch map[string]any, expectedVersion int64) (*domain.Record, error) {
	v, _, err := s.validator(ctx, collection)
	if err != nil {
		return nil, err
	}
	normalizedPatch, err := v.ValidatePatch(patch)
	if err != nil {
		return nil, err
	}

	r, err := s.store.GetRecord(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && r.Version != expectedVersion {
		return nil, fmt.Errorf("record %s/%s changed since read: %w", collection, id, domain.ErrConcurrency)
	}

	merged := make(map[string]any, len(r.Data)+len(normalizedPatch))
	for k, val := range r.Data {
		merged[k] = val
	}
	for k, val := range normalizedPatch {
		if val == nil {
			delete(merged, k)
			continue
		}
		merged[k] = val
	}
	// The merged record must still satisfy required fields and constraints.
	merged, err = v.Validate(merged)
	if err != nil {
		return nil, err
	}

	var removeUnique []string
	addUnique := make(map[string]string)
	for _, fname := range v.UniqueFields() {
		if _, patched := normalizedPatch[fname]; !patched {
			continue
		}
		if _, had := r.Data[fname]; had {
			removeUnique = append(removeUnique, fname)
		}
		if val, ok := merged[fname]; ok && val != nil {
			def, _ := v.Field(fname)
			addUnique[fname] = schema.NormalizeUnique(def, val)
		}
	}

	refs := make(map[string]store.RefTarget)
	for fname, target := range v.ReferenceFields() {
		if val, patched := normalizedPatch[fname]; patched && val != nil {
			if rid, ok := val.(string); ok {
				refs[fname] = store.RefTarget{Collection: target, RecordID: rid}
			}
		}
	}

	r.Data = merged
	if err := s.store.UpdateRecord(ctx, r, expectedVersionOr(r, expectedVersion), removeUnique, addUnique, refs); err != nil {
		return nil, err
	}
	return r, nil
}

func expectedVersionOr(r *domain.Record, expected int64) int64 {
	if expected != 0 {
		return expected
	}
	return r.Version
}

func (s *Service) Delete(ctx context.Context, collection, id string) error {
	return s.store.DeleteRecord(ctx, collection, id)
}

func (s *Service) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.store.GetCollection(ctx, collection); err != nil {
		return 0, err
	}
	return s.store.CountRecords(ctx, collection)
}
