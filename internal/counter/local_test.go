package counter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryAcquireRespectsCap(t *testing.T) {
	s := NewLocalStore(0)
	ctx := context.Background()

	t1, err := s.TryAcquire(ctx, "user:a", 2)
	if err != nil || t1 == nil {
		t.Fatalf("first acquire: token=%v err=%v", t1, err)
	}
	t2, err := s.TryAcquire(ctx, "user:a", 2)
	if err != nil || t2 == nil {
		t.Fatalf("second acquire: token=%v err=%v", t2, err)
	}
	t3, err := s.TryAcquire(ctx, "user:a", 2)
	if err != nil {
		t.Fatalf("third acquire err: %v", err)
	}
	if t3 != nil {
		t.Fatal("third acquire should be refused at cap 2")
	}

	if err := s.Release(ctx, t1); err != nil {
		t.Fatalf("release: %v", err)
	}
	t4, err := s.TryAcquire(ctx, "user:a", 2)
	if err != nil || t4 == nil {
		t.Fatalf("acquire after release: token=%v err=%v", t4, err)
	}
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	s := NewLocalStore(0)
	ctx := context.Background()

	tok, _ := s.TryAcquire(ctx, "k", 1)
	if err := s.Release(ctx, tok); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := s.Release(ctx, tok); err != ErrTokenReleased {
		t.Fatalf("second release: want ErrTokenReleased, got %v", err)
	}
	if n, _ := s.Count(ctx, "k"); n != 0 {
		t.Fatalf("count after double release: want 0, got %d", n)
	}
}

func TestExpiredTokensSweptOnAccess(t *testing.T) {
	s := NewLocalStore(10 * time.Millisecond)
	ctx := context.Background()

	tok, _ := s.TryAcquire(ctx, "k", 1)
	if tok == nil {
		t.Fatal("expected token")
	}
	time.Sleep(20 * time.Millisecond)

	// The expired reservation must not block a new one.
	tok2, err := s.TryAcquire(ctx, "k", 1)
	if err != nil || tok2 == nil {
		t.Fatalf("acquire after expiry: token=%v err=%v", tok2, err)
	}
	// Releasing the swept token is the double-release no-op.
	if err := s.Release(ctx, tok); err != ErrTokenReleased {
		t.Fatalf("release of swept token: want ErrTokenReleased, got %v", err)
	}
}

func TestReleaseTombstonesPrunedAfterTTL(t *testing.T) {
	s := NewLocalStore(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 16; i++ {
		tok, err := s.TryAcquire(ctx, "k", 1)
		if err != nil || tok == nil {
			t.Fatalf("acquire %d: token=%v err=%v", i, tok, err)
		}
		if err := s.Release(ctx, tok); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := s.Count(ctx, "k"); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	tombstones := len(s.released)
	s.mu.Unlock()
	if tombstones != 0 {
		t.Fatalf("tombstones must be pruned after the token TTL, got %d", tombstones)
	}

	// A double release past the TTL still reports the token as gone.
	tok, _ := s.TryAcquire(ctx, "k", 1)
	s.Release(ctx, tok)
	time.Sleep(20 * time.Millisecond)
	if err := s.Release(ctx, tok); err != ErrTokenReleased {
		t.Fatalf("late double release: want ErrTokenReleased, got %v", err)
	}
}

func TestAcquireManyAllOrNothing(t *testing.T) {
	s := NewLocalStore(0)
	ctx := context.Background()

	// Fill key "b" to its cap.
	if tok, _ := s.TryAcquire(ctx, "b", 1); tok == nil {
		t.Fatal("setup acquire failed")
	}

	tok, err := s.AcquireMany(ctx, map[string]int{"a": 5, "b": 1})
	if err != nil {
		t.Fatalf("acquire many: %v", err)
	}
	if tok != nil {
		t.Fatal("acquire many should refuse when any key is at cap")
	}
	// Key "a" must be untouched by the refused acquisition.
	if n, _ := s.Count(ctx, "a"); n != 0 {
		t.Fatalf("key a count: want 0, got %d", n)
	}

	tok, err = s.AcquireMany(ctx, map[string]int{"a": 5, "c": 5})
	if err != nil || tok == nil {
		t.Fatalf("acquire many success path: token=%v err=%v", tok, err)
	}
	if err := s.Release(ctx, tok); err != nil {
		t.Fatalf("release many: %v", err)
	}
	if n, _ := s.Count(ctx, "a"); n != 0 {
		t.Fatalf("key a count after release: want 0, got %d", n)
	}
}

func TestConcurrentAcquireNeverExceedsCap(t *testing.T) {
	s := NewLocalStore(0)
	ctx := context.Background()
	const cap = 4

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.TryAcquire(ctx, "g", cap)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if tok != nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != cap {
		t.Fatalf("granted %d tokens, want exactly %d", granted.Load(), cap)
	}
	if n, _ := s.Count(ctx, "g"); n != cap {
		t.Fatalf("count: want %d, got %d", cap, n)
	}
}
