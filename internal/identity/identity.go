// Package identity issues and verifies credentials: password accounts,
// short-lived JWT pairs with epoch-based revocation, and long-lived
// application tokens for machine callers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/logging"
)

// Store is the persistence identity needs.
type Store interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	CountAdmins(ctx context.Context) (int, error)
	SetUserActive(ctx context.Context, id string, active bool) error
	BumpTokenEpoch(ctx context.Context, id string) (int64, error)
	DeleteUser(ctx context.Context, id string) error

	SaveToken(ctx context.Context, t *domain.ApplicationToken) error
	GetTokenByHash(ctx context.Context, hash string) (*domain.ApplicationToken, error)
	ListTokens(ctx context.Context) ([]*domain.ApplicationToken, error)
	SetTokenActive(ctx context.Context, id string, active bool) error
	DeleteToken(ctx context.Context, id string) error
	TouchTokenLastUsed(ctx context.Context, id string) error
}

// Identity is the verified principal attached to a request.
type Identity struct {
	UserID   string
	IsAdmin  bool
	IsActive bool
	// AppToken is set when the caller authenticated with an application
	// token rather than a user session.
	AppToken *domain.ApplicationToken
}

func (id Identity) Caller() domain.Caller {
	if id.AppToken != nil {
		return domain.Caller{UserID: "token:" + id.AppToken.ID, IsAdmin: true}
	}
	return domain.Caller{UserID: id.UserID, IsAdmin: id.IsAdmin}
}

type Service struct {
	store  Store
	tokens *TokenIssuer
}

func NewService(store Store, jwtSecret string) *Service {
	return &Service{store: store, tokens: NewTokenIssuer(jwtSecret)}
}

// Register creates an account. The first account on an instance becomes an
// admin so a fresh install is administrable without out-of-band setup.
func (s *Service) Register(ctx context.Context, email, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("malformed email: %w", domain.ErrValidation)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters: %w", domain.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	admins, err := s.store.CountAdmins(ctx)
	if err != nil {
		return nil, err
	}

	u := &domain.User{
		ID:           domain.NewID(),
		Email:        email,
		PasswordHash: string(hash),
		IsAdmin:      admins == 0,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	logging.Op().Info("user registered",
		slog.String("user_id", u.ID), slog.Bool("is_admin", u.IsAdmin))
	return u, nil
}

// Login checks the password and issues a token pair. Deactivated accounts
// and bad passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*domain.User, *TokenPair, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
		}
		return nil, nil, err
	}
	if !u.IsActive {
		return nil, nil, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, nil, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}

	pair, err := s.tokens.Issue(u)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// Refresh exchanges a refresh token for a new pair. The stored token epoch
// must match the claim, so a revoke invalidates outstanding refresh tokens.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.parse(refreshToken, kindRefresh)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", domain.ErrUnauthorized)
	}
	if !u.IsActive || u.TokenEpoch != claims.Epoch {
		return nil, fmt.Errorf("refresh token revoked: %w", domain.ErrUnauthorized)
	}
	return s.tokens.Issue(u)
}

// Verify resolves a bearer access token to its identity. Revocation and
// deactivation take effect here on the next request.
func (s *Service) Verify(ctx context.Context, accessToken string) (*Identity, error) {
	claims, err := s.tokens.parse(accessToken, kindAccess)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("unknown subject: %w", domain.ErrUnauthorized)
	}
	if !u.IsActive {
		return nil, fmt.Errorf("account deactivated: %w", domain.ErrUnauthorized)
	}
	if u.TokenEpoch != claims.Epoch {
		return nil, fmt.Errorf("token revoked: %w", domain.ErrUnauthorized)
	}
	return &Identity{UserID: u.ID, IsAdmin: u.IsAdmin, IsActive: u.IsActive}, nil
}

// Revoke invalidates every outstanding token for the user by bumping the
// token epoch.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	if _, err := s.store.BumpTokenEpoch(ctx, userID); err != nil {
		return err
	}
	logging.Op().Info("user tokens revoked", slog.String("user_id", userID))
	return nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.store.GetUser(ctx, id)
}

// AnyAdmin reports whether the instance has been bootstrapped with an admin
// account.
func (s *Service) AnyAdmin(ctx context.Context) (bool, error) {
	n, err := s.store.CountAdmins(ctx)
	return n > 0, err
}

func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.store.SetUserActive(ctx, id, active); err != nil {
		return err
	}
	if !active {
		// Deactivation also revokes live sessions.
		_, err := s.store.BumpTokenEpoch(ctx, id)
		return err
	}
	return nil
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.store.DeleteUser(ctx, id)
}
