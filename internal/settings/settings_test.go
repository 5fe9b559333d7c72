package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratabase/strata/internal/domain"
)

type memSettingsStore struct {
	values map[string]*domain.Setting
}

func newMemSettingsStore() *memSettingsStore {
	return &memSettingsStore{values: make(map[string]*domain.Setting)}
}

func (m *memSettingsStore) GetSetting(_ context.Context, key string) (*domain.Setting, error) {
	s, ok := m.values[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSettingsStore) SetSetting(_ context.Context, s *domain.Setting) error {
	cp := *s
	m.values[s.Key] = &cp
	return nil
}

func (m *memSettingsStore) ListSettings(_ context.Context, prefix string) ([]*domain.Setting, error) {
	var out []*domain.Setting
	for _, s := range m.values {
		out = append(out, s)
	}
	return out, nil
}

func (m *memSettingsStore) DeleteSetting(_ context.Context, key string) error {
	if _, ok := m.values[key]; !ok {
		return domain.ErrNotFound
	}
	delete(m.values, key)
	return nil
}

func newTestService(t *testing.T) (*Service, *memSettingsStore) {
	t.Helper()
	st := newMemSettingsStore()
	svc, err := NewService(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	return svc, st
}

func TestDefaultsWithoutOverride(t *testing.T) {
	svc, _ := newTestService(t)

	if got := svc.FunctionTimeout(context.Background()); got != 30*time.Second {
		t.Fatalf("default timeout: got %s", got)
	}
	if got := svc.MaxConcurrentExecutions(context.Background()); got != 16 {
		t.Fatalf("default global cap: got %d", got)
	}
	if got := svc.InstanceName(); got != "strata" {
		t.Fatalf("default instance name: got %q", got)
	}
}

func TestRuntimeOverrideWinsAndPersists(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	if err := svc.Set(ctx, KeyFunctionTimeout, "120"); err != nil {
		t.Fatal(err)
	}
	if got := svc.FunctionTimeout(ctx); got != 120*time.Second {
		t.Fatalf("override not applied: %s", got)
	}

	// A fresh service over the same store sees the override.
	again, err := NewService(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if got := again.FunctionTimeout(ctx); got != 120*time.Second {
		t.Fatalf("override not persisted: %s", got)
	}
}

func TestSetValidatesType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct{ key, value string }{
		{KeyFunctionTimeout, "not-a-number"},
		{KeyJobsEnabled, "definitely"},
		{KeyAuthPortalTheme, "{broken json"},
	}
	for _, tc := range cases {
		if err := svc.Set(ctx, tc.key, tc.value); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("set %s=%q: want ErrValidation, got %v", tc.key, tc.value, err)
		}
	}
}

func TestSetUnknownKeyRejected(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Set(context.Background(), "core.nope", "x"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestExtensionKeysRequireDeclaration(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Set(ctx, "ext.mailer.retries", "3"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("undeclared ext key: want ErrValidation, got %v", err)
	}

	if err := svc.DeclareExtensionKey("mailer", "retries", domain.SettingInt, "5"); err != nil {
		t.Fatal(err)
	}
	if got, _ := svc.Get("ext.mailer.retries"); got != "5" {
		t.Fatalf("declared default: got %q", got)
	}
	if err := svc.Set(ctx, "ext.mailer.retries", "3"); err != nil {
		t.Fatal(err)
	}
	if got, _ := svc.Get("ext.mailer.retries"); got != "3" {
		t.Fatalf("override: got %q", got)
	}
	if err := svc.Set(ctx, "ext.mailer.retries", "many"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("type check on ext key: got %v", err)
	}
}

func TestResetFallsBackToDefault(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.Set(ctx, KeyInstanceName, "prod-eu")
	if err := svc.Reset(ctx, KeyInstanceName); err != nil {
		t.Fatal(err)
	}
	if got := svc.InstanceName(); got != "strata" {
		t.Fatalf("want default after reset, got %q", got)
	}
	// Resetting an unset key is a no-op.
	if err := svc.Reset(ctx, KeyInstanceName); err != nil {
		t.Fatal(err)
	}
}

func TestListMarksOverrides(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Set(context.Background(), KeyMaxExecutions, "64")

	var found bool
	for _, e := range svc.List() {
		if e.Key == KeyMaxExecutions {
			found = true
			if !e.Override || e.Value != "64" {
				t.Fatalf("override not reflected: %+v", e)
			}
		} else if e.Override {
			t.Fatalf("unexpected override on %s", e.Key)
		}
	}
	if !found {
		t.Fatal("core key missing from list")
	}
}
