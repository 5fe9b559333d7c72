package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/logging"
)

// VersionStore is the persistence the registry needs.
type VersionStore interface {
	GetFunction(ctx context.Context, name string) (*domain.FunctionDefinition, error)
	PublishVersion(ctx context.Context, v *domain.FunctionVersion) (*domain.FunctionVersion, bool, error)
	ActivateVersion(ctx context.Context, functionName, versionID string) error
	GetActiveVersion(ctx context.Context, functionName string) (*domain.FunctionVersion, error)
	GetVersion(ctx context.Context, id string) (*domain.FunctionVersion, error)
	ListVersions(ctx context.Context, functionName string) ([]*domain.FunctionVersion, error)
}

type Registry struct {
	store VersionStore
}

func New(store VersionStore) *Registry {
	return &Registry{store: store}
}

// PutVersion deploys source as the function's active version. Identical
// normalized source collapses onto the existing version and returns it
// unchanged.
func (r *Registry) PutVersion(ctx context.Context, name, source, notes, actor string) (*domain.FunctionVersion, error) {
	if _, err := r.store.GetFunction(ctx, name); err != nil {
		return nil, err
	}

	normalized := NormalizeSource(source)
	deps, err := ParseInlineDeps(normalized)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", name, err)
	}

	v := &domain.FunctionVersion{
		ID:           domain.NewID(),
		FunctionName: name,
		ContentHash:  ContentHash(normalized),
		SourceText:   normalized,
		InlineDeps:   deps,
		DeployedBy:   actor,
		Notes:        notes,
	}

	out, existing, err := r.store.PublishVersion(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("publish version: %w", err)
	}
	logging.Op().Info("version published",
		slog.String("function", name),
		slog.String("version_id", out.ID),
		slog.String("hash", out.ContentHash[:12]),
		slog.Bool("collapsed", existing))
	return out, nil
}

func (r *Registry) ActiveVersion(ctx context.Context, name string) (*domain.FunctionVersion, error) {
	return r.store.GetActiveVersion(ctx, name)
}

func (r *Registry) GetVersion(ctx context.Context, id string) (*domain.FunctionVersion, error) {
	return r.store.GetVersion(ctx, id)
}

func (r *Registry) ListVersions(ctx context.Context, name string) ([]*domain.FunctionVersion, error) {
	return r.store.ListVersions(ctx, name)
}

// Rollback activates a prior version by id.
func (r *Registry) Rollback(ctx context.Context, name, versionID string) error {
	if err := r.store.ActivateVersion(ctx, name, versionID); err != nil {
		return err
	}
	logging.Op().Info("version rolled back",
		slog.String("function", name), slog.String("version_id", versionID))
	return nil
}
