package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/logging"
)

const tokenPrefix = "strata_"

// CreateToken mints an application token. The plaintext is returned here
// and never again; only its SHA-256 is persisted.
func (s *Service) CreateToken(ctx context.Context, name string, expiresAt *time.Time) (*domain.ApplicationToken, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("token name required: %w", domain.ErrValidation)
	}
	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, "", fmt.Errorf("expiry is in the past: %w", domain.ErrValidation)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	plaintext := tokenPrefix + hex.EncodeToString(raw)

	tok := &domain.ApplicationToken{
		ID:        domain.NewID(),
		Name:      name,
		Hash:      hashToken(plaintext),
		IsActive:  true,
		ExpiresAt: expiresAt,
	}
	if err := s.store.SaveToken(ctx, tok); err != nil {
		return nil, "", err
	}
	logging.Op().Info("application token created",
		slog.String("token_id", tok.ID), slog.String("name", tok.Name))
	return tok, plaintext, nil
}

// VerifyAppToken resolves a presented token to its identity. Expired or
// deactivated tokens fail uniformly.
func (s *Service) VerifyAppToken(ctx context.Context, plaintext string) (*Identity, error) {
	if !strings.HasPrefix(plaintext, tokenPrefix) {
		return nil, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}
	tok, err := s.store.GetTokenByHash(ctx, hashToken(plaintext))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}
	if !tok.IsActive {
		return nil, fmt.Errorf("token deactivated: %w", domain.ErrUnauthorized)
	}
	if tok.ExpiresAt != nil && tok.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("token expired: %w", domain.ErrUnauthorized)
	}
	// Best effort; a failed touch must not reject the request.
	if err := s.store.TouchTokenLastUsed(ctx, tok.ID); err != nil {
		logging.Op().Warn("touch token last_used failed",
			slog.String("token_id", tok.ID), slog.String("error", err.Error()))
	}
	return &Identity{IsActive: true, AppToken: tok}, nil
}

func (s *Service) ListTokens(ctx context.Context) ([]*domain.ApplicationToken, error) {
	return s.store.ListTokens(ctx)
}

func (s *Service) SetTokenActive(ctx context.Context, id string, active bool) error {
	return s.store.SetTokenActive(ctx, id, active)
}

func (s *Service) DeleteToken(ctx context.Context, id string) error {
	return s.store.DeleteToken(ctx, id)
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
