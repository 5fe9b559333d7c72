// Package settings layers runtime-editable settings over static defaults.
// A read returns the stored runtime value when present, otherwise the
// default; writes validate against the key's declared type.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stratabase/strata/internal/domain"
)

// Store is the settings persistence.
type Store interface {
	GetSetting(ctx context.Context, key string) (*domain.Setting, error)
	SetSetting(ctx context.Context, set *domain.Setting) error
	ListSettings(ctx context.Context, prefix string) ([]*domain.Setting, error)
	DeleteSetting(ctx context.Context, key string) error
}

// Core keys. Everything under "core." is declared here; unknown core keys
// are rejected on write.
const (
	KeyInstanceName        = "core.instance_name"
	KeyFunctionTimeout     = "core.function_timeout_seconds"
	KeyMaxExecutions       = "core.max_concurrent_executions"
	KeyMaxPerUser          = "core.max_concurrent_functions_per_user"
	KeyMaxSchedulesPerTick = "core.max_schedules_per_tick"
	KeyStorageBackend      = "core.storage_backend"
	KeyAuthPortalTheme     = "core.auth_portal_theme"
	KeyJobsEnabled         = "core.jobs_enabled"
)

type declaration struct {
	typ        domain.SettingType
	defaultVal string
}

var coreKeys = map[string]declaration{
	KeyInstanceName:        {domain.SettingString, "strata"},
	KeyFunctionTimeout:     {domain.SettingInt, "30"},
	KeyMaxExecutions:       {domain.SettingInt, "16"},
	KeyMaxPerUser:          {domain.SettingInt, "4"},
	KeyMaxSchedulesPerTick: {domain.SettingInt, "50"},
	KeyStorageBackend:      {domain.SettingString, "local"},
	KeyAuthPortalTheme:     {domain.SettingJSON, "{}"},
	KeyJobsEnabled:         {domain.SettingBool, "true"},
}

// Service caches all settings in memory; the single-process design means
// the cache only goes stale through this process's own writes, which update
// it in place.
type Service struct {
	store Store

	mu       sync.RWMutex
	cache    map[string]string
	declared map[string]declaration // ext.* declarations
}

func NewService(ctx context.Context, store Store) (*Service, error) {
	s := &Service{
		store:    store,
		cache:    make(map[string]string),
		declared: make(map[string]declaration),
	}
	stored, err := store.ListSettings(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	for _, set := range stored {
		s.cache[set.Key] = set.Value
	}
	return s, nil
}

// DeclareExtensionKey registers an ext.<name>.<key> setting with its type
// and default. Extensions must declare before reading or writing.
func (s *Service) DeclareExtensionKey(extension, key string, typ domain.SettingType, defaultVal string) error {
	full := "ext." + extension + "." + key
	if err := validateValue(typ, defaultVal); err != nil {
		return fmt.Errorf("default for %s: %w", full, err)
	}
	s.mu.Lock()
	s.declared[full] = declaration{typ: typ, defaultVal: defaultVal}
	s.mu.Unlock()
	return nil
}

func (s *Service) lookupDecl(key string) (declaration, bool) {
	if d, ok := coreKeys[key]; ok {
		return d, true
	}
	s.mu.RLock()
	d, ok := s.declared[key]
	s.mu.RUnlock()
	return d, ok
}

// Get returns the effective raw value for key: runtime if set, else the
// declared default.
func (s *Service) Get(key string) (string, error) {
	decl, ok := s.lookupDecl(key)
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, domain.ErrNotFound)
	}
	s.mu.RLock()
	v, stored := s.cache[key]
	s.mu.RUnlock()
	if stored {
		return v, nil
	}
	return decl.defaultVal, nil
}

// Set validates value against the key's declared type and persists it.
func (s *Service) Set(ctx context.Context, key, value string) error {
	decl, ok := s.lookupDecl(key)
	if !ok {
		if strings.HasPrefix(key, "ext.") {
			return fmt.Errorf("extension setting %s not declared: %w", key, domain.ErrValidation)
		}
		return fmt.Errorf("unknown setting %s: %w", key, domain.ErrValidation)
	}
	if err := validateValue(decl.typ, value); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	if err := s.store.SetSetting(ctx, &domain.Setting{Key: key, Value: value, ValueType: decl.typ}); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

// Reset removes the runtime override so reads fall back to the default.
func (s *Service) Reset(ctx context.Context, key string) error {
	if _, ok := s.lookupDecl(key); !ok {
		return fmt.Errorf("unknown setting %s: %w", key, domain.ErrValidation)
	}
	if err := s.store.DeleteSetting(ctx, key); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// List returns every declared setting with its effective value and whether
// a runtime override exists.
type Effective struct {
	Key       string             `json:"key"`
	Value     string             `json:"value"`
	ValueType domain.SettingType `json:"value_type"`
	Override  bool               `json:"override"`
}

func (s *Service) List() []Effective {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Effective
	add := func(key string, decl declaration) {
		v, override := s.cache[key]
		if !override {
			v = decl.defaultVal
		}
		out = append(out, Effective{Key: key, Value: v, ValueType: decl.typ, Override: override})
	}
	for key, decl := range coreKeys {
		add(key, decl)
	}
	for key, decl := range s.declared {
		add(key, decl)
	}
	return out
}

func validateValue(typ domain.SettingType, value string) error {
	switch typ {
	case domain.SettingString:
		return nil
	case domain.SettingInt:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("%q is not an int: %w", value, domain.ErrValidation)
		}
	case domain.SettingFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%q is not a float: %w", value, domain.ErrValidation)
		}
	case domain.SettingBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%q is not a bool: %w", value, domain.ErrValidation)
		}
	case domain.SettingJSON:
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("value is not valid JSON: %w", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown value type %q: %w", typ, domain.ErrValidation)
	}
	return nil
}

func (s *Service) intValue(key string) int {
	raw, err := s.Get(key)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// Typed accessors consumed by the engine and scheduler. Context parameters
// keep the signatures stable if reads ever become remote.

func (s *Service) FunctionTimeout(context.Context) time.Duration {
	secs := s.intValue(KeyFunctionTimeout)
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

func (s *Service) MaxConcurrentExecutions(context.Context) int {
	if n := s.intValue(KeyMaxExecutions); n > 0 {
		return n
	}
	return 16
}

func (s *Service) MaxConcurrentFunctionsPerUser(context.Context) int {
	if n := s.intValue(KeyMaxPerUser); n > 0 {
		return n
	}
	return 4
}

func (s *Service) MaxSchedulesPerTick(context.Context) int {
	if n := s.intValue(KeyMaxSchedulesPerTick); n > 0 {
		return n
	}
	return 50
}

func (s *Service) InstanceName() string {
	v, _ := s.Get(KeyInstanceName)
	return v
}

func (s *Service) StorageBackend() string {
	v, _ := s.Get(KeyStorageBackend)
	return v
}

func (s *Service) JobsEnabled() bool {
	v, _ := s.Get(KeyJobsEnabled)
	b, _ := strconv.ParseBool(v)
	return b
}
