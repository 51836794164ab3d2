// Package claims enforces single execution per plan. A claim is held by one
// owner for a bounded time; a second attempt on the same plan is rejected,
// never queued.
package claims

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a claim survives an owner that never releases it.
const DefaultTTL = 5 * time.Minute

// Store grants and releases plan claims.
type Store interface {
	// Acquire claims planID for owner. It reports false when another owner
	// holds a live claim.
	Acquire(ctx context.Context, planID, owner string, ttl time.Duration) (bool, error)
	// Release drops the claim if owner still holds it.
	Release(ctx context.Context, planID, owner string) error
}

type claim struct {
	owner   string
	expires time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]claim
	clock  func() time.Time
}

// NewMemoryStore returns an empty in-process claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]claim), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Acquire(_ context.Context, planID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if c, ok := s.claims[planID]; ok && now.Before(c.expires) {
		return false, nil
	}
	s.claims[planID] = claim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, planID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[planID]; ok && c.owner == owner {
		delete(s.claims, planID)
	}
	return nil
}

// Held reports whether planID has a live claim.
func (s *MemoryStore) Held(planID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[planID]
	return ok && s.clock().Before(c.expires)
}
