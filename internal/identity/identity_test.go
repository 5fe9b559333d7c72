package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stratabase/strata/internal/domain"
)

type memIdentityStore struct {
	users  map[string]*domain.User
	tokens map[string]*domain.ApplicationToken
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{
		users:  make(map[string]*domain.User),
		tokens: make(map[string]*domain.ApplicationToken),
	}
}

func (m *memIdentityStore) CreateUser(_ context.Context, u *domain.User) error {
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return domain.ErrConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memIdentityStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memIdentityStore) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memIdentityStore) CountAdmins(_ context.Context) (int, error) {
	n := 0
	for _, u := range m.users {
		if u.IsAdmin {
			n++
		}
	}
	return n, nil
}

func (m *memIdentityStore) SetUserActive(_ context.Context, id string, active bool) error {
	u, ok := m.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.IsActive = active
	return nil
}

func (m *memIdentityStore) BumpTokenEpoch(_ context.Context, id string) (int64, error) {
	u, ok := m.users[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	u.TokenEpoch++
	return u.TokenEpoch, nil
}

func (m *memIdentityStore) DeleteUser(_ context.Context, id string) error {
	if _, ok := m.users[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *memIdentityStore) SaveToken(_ context.Context, t *domain.ApplicationToken) error {
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memIdentityStore) GetTokenByHash(_ context.Context, hash string) (*domain.ApplicationToken, error) {
	for _, t := range m.tokens {
		if t.Hash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memIdentityStore) ListTokens(_ context.Context) ([]*domain.ApplicationToken, error) {
	var out []*domain.ApplicationToken
	for _, t := range m.tokens {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memIdentityStore) SetTokenActive(_ context.Context, id string, active bool) error {
	t, ok := m.tokens[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.IsActive = active
	return nil
}

func (m *memIdentityStore) DeleteToken(_ context.Context, id string) error {
	if _, ok := m.tokens[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.tokens, id)
	return nil
}

func (m *memIdentityStore) TouchTokenLastUsed(_ context.Context, id string) error {
	t, ok := m.tokens[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	t.LastUsedAt = &now
	return nil
}

func newTestService(t *testing.T) (*Service, *memIdentityStore) {
	t.Helper()
	st := newMemIdentityStore()
	return NewService(st, "test-secret"), st
}

func TestRegisterFirstUserIsAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, "Alice@Example.COM ", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsAdmin {
		t.Fatal("first user must be admin")
	}
	if first.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", first.Email)
	}

	second, err := svc.Register(ctx, "bob@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if second.IsAdmin {
		t.Fatal("second user must not be admin")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "not-an-email", "hunter2hunter2"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("malformed email: got %v", err)
	}
	if _, err := svc.Register(ctx, "ok@example.com", "short"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("short password: got %v", err)
	}
}

func TestLoginAndVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}

	_, pair, err := svc.Login(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}

	id, err := svc.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != u.ID || !id.IsAdmin {
		t.Fatalf("unexpected identity: %+v", id)
	}

	if _, _, err := svc.Login(ctx, "alice@example.com", "wrong-password"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("bad password: got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "hunter2hunter2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("unknown email: got %v", err)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice@example.com", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}
	_, pair, err := svc.Login(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}

	renewed, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, renewed.AccessToken); err != nil {
		t.Fatal(err)
	}

	// An access token must not pass as a refresh token.
	if _, err := svc.Refresh(ctx, pair.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("kind confusion: got %v", err)
	}
}

func TestRevokeInvalidatesOutstandingTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	_, pair, err := svc.Login(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Revoke(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, pair.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("revoked access token: got %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("revoked refresh token: got %v", err)
	}

	// A fresh login works and produces valid tokens again.
	_, next, err := svc.Login(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, next.AccessToken); err != nil {
		t.Fatal(err)
	}
}

func TestDeactivationBlocksLoginAndVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	_, pair, err := svc.Login(ctx, "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.SetActive(ctx, u.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, pair.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("deactivated verify: got %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter2hunter2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("deactivated login: got %v", err)
	}
}

func TestAppTokenLifecycle(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	tok, plaintext, err := svc.CreateToken(ctx, "ci-deploy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, "strata_") {
		t.Fatalf("unexpected token shape: %q", plaintext)
	}
	if st.tokens[tok.ID].Hash == plaintext {
		t.Fatal("plaintext must not be stored")
	}

	id, err := svc.VerifyAppToken(ctx, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if id.AppToken == nil || id.AppToken.ID != tok.ID {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if !id.Caller().IsAdmin {
		t.Fatal("application tokens act as admin callers")
	}
	if st.tokens[tok.ID].LastUsedAt == nil {
		t.Fatal("last_used_at not touched")
	}

	if err := svc.SetTokenActive(ctx, tok.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VerifyAppToken(ctx, plaintext); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("deactivated token: got %v", err)
	}

	if err := svc.DeleteToken(ctx, tok.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VerifyAppToken(ctx, plaintext); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("deleted token: got %v", err)
	}
}

func TestAppTokenExpiry(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if _, _, err := svc.CreateToken(ctx, "expired", &past); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("past expiry at creation: got %v", err)
	}

	future := time.Now().Add(time.Minute)
	tok, plaintext, err := svc.CreateToken(ctx, "short-lived", &future)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VerifyAppToken(ctx, plaintext); err != nil {
		t.Fatal(err)
	}

	// Simulate the clock passing the expiry.
	gone := time.Now().Add(-time.Second)
	st.tokens[tok.ID].ExpiresAt = &gone
	if _, err := svc.VerifyAppToken(ctx, plaintext); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expired token: got %v", err)
	}
}
