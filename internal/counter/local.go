package counter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LocalStore is the in-process backend. Expired tokens are swept on access;
// no background goroutine is required.
type LocalStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	slots    map[string]map[string]time.Time // key -> token id -> deadline
	released map[string]time.Time            // token id -> release time
}

// NewLocalStore creates a single-node counter store. ttl <= 0 uses
// DefaultTokenTTL.
func NewLocalStore(ttl time.Duration) *LocalStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &LocalStore{
		ttl:      ttl,
		slots:    make(map[string]map[string]time.Time),
		released: make(map[string]time.Time),
	}
}

func (s *LocalStore) sweepLocked(key string, now time.Time) {
	live, ok := s.slots[key]
	if !ok {
		return
	}
	for id, deadline := range live {
		if now.After(deadline) {
			delete(live, id)
		}
	}
	if len(live) == 0 {
		delete(s.slots, key)
	}
}

// pruneReleasedLocked drops release tombstones older than the token TTL. A
// token that old is swept from slots anyway, so a late double release still
// reports ErrTokenReleased without the tombstone.
func (s *LocalStore) pruneReleasedLocked(now time.Time) {
	for id, at := range s.released {
		if now.Sub(at) > s.ttl {
			delete(s.released, id)
		}
	}
}

func (s *LocalStore) TryAcquire(_ context.Context, key string, cap int) (*Token, error) {
	return s.acquire(map[string]int{key: cap})
}

func (s *LocalStore) AcquireMany(_ context.Context, caps map[string]int) (*Token, error) {
	return s.acquire(caps)
}

func (s *LocalStore) acquire(caps map[string]int) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pruneReleasedLocked(now)

	// Deterministic key order keeps the all-or-nothing check stable.
	keys := make([]string, 0, len(caps))
	for k := range caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s.sweepLocked(k, now)
		if len(s.slots[k]) >= caps[k] {
			return nil, nil
		}
	}

	t := newToken(keys, s.ttl)
	for _, k := range keys {
		if s.slots[k] == nil {
			s.slots[k] = make(map[string]time.Time)
		}
		s.slots[k][t.ID] = t.Deadline
	}
	return t, nil
}

func (s *LocalStore) Release(_ context.Context, t *Token) error {
	if t == nil {
		return ErrTokenReleased
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pruneReleasedLocked(now)
	if _, done := s.released[t.ID]; done {
		return ErrTokenReleased
	}
	s.released[t.ID] = now

	found := false
	for _, k := range t.Keys {
		if live, ok := s.slots[k]; ok {
			if _, held := live[t.ID]; held {
				delete(live, t.ID)
				found = true
			}
			if len(live) == 0 {
				delete(s.slots, k)
			}
		}
	}
	if !found {
		// Token expired and was swept before release.
		return ErrTokenReleased
	}
	return nil
}

func (s *LocalStore) Count(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.pruneReleasedLocked(now)
	s.sweepLocked(key, now)
	return len(s.slots[key]), nil
}
