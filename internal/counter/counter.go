// Package counter is the process-wide counter store used to enforce
// concurrency caps. Both the execution engine and the scheduler reserve
// slots here; all acquire/release traffic goes through one Store.
package counter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTokenReleased is returned on double release. Callers treat it as a
// logical no-op.
var ErrTokenReleased = errors.New("counter: token already released")

// DefaultTokenTTL bounds how long a reservation may outlive its holder.
// Expired tokens are swept on access, so a crashed holder cannot pin a slot
// forever.
const DefaultTokenTTL = 10 * time.Minute

// Token is a live reservation. Exactly one Release consumes it.
type Token struct {
	ID       string
	Keys     []string
	Deadline time.Time
}

// Store is the counter contract. Implementations must be atomic across
// concurrent callers; TryAcquire returns (nil, nil) when the live count
// would exceed cap.
type Store interface {
	// TryAcquire reserves one slot under key if count < cap.
	TryAcquire(ctx context.Context, key string, cap int) (*Token, error)
	// AcquireMany reserves one slot under every key with all-or-nothing
	// semantics: either all counters are incremented or none are.
	AcquireMany(ctx context.Context, caps map[string]int) (*Token, error)
	// Release returns the token's slots. Double release yields ErrTokenReleased.
	Release(ctx context.Context, t *Token) error
	// Count reports the live count for key after sweeping expired tokens.
	Count(ctx context.Context, key string) (int, error)
}

func newToken(keys []string, ttl time.Duration) *Token {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Token{
		ID:       uuid.New().String(),
		Keys:     keys,
		Deadline: time.Now().Add(ttl),
	}
}
