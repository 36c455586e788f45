package dlock

import (
	"context"
	"sync"
	"time"
)

type memLease struct {
	owner        string
	reentryCount int
	createdAt    time.Time
	expireAt     time.Time
}

// MemoryStore is the standalone lease store: same semantics as the Redis
// store, scoped to a single process. Expired leases are treated as free.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]*memLease
	now    func() time.Time
}

// NewMemoryStore builds an in-process lease store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]*memLease),
		now:    time.Now,
	}
}

func (s *MemoryStore) AcquireOrReenter(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.leases[key]
	if ok && l.expireAt.Before(now) {
		delete(s.leases, key)
		ok = false
	}
	if !ok {
		s.leases[key] = &memLease{
			owner:        owner,
			reentryCount: 1,
			createdAt:    now,
			expireAt:     now.Add(ttl),
		}
		return true, nil
	}
	if l.owner == owner {
		l.reentryCount++
		l.expireAt = now.Add(ttl)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok || l.owner != owner {
		return false, ErrNotHeld
	}
	l.reentryCount--
	if l.reentryCount <= 0 {
		delete(s.leases, key)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) Extend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok || l.owner != owner {
		return false, nil
	}
	l.expireAt = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReclaimExpired(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if ok && l.expireAt.Before(s.now()) {
		delete(s.leases, key)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ForceUnlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key)
	return nil
}

func (s *MemoryStore) Info(_ context.Context, key string) (*LeaseInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok || l.expireAt.Before(s.now()) {
		return nil, nil
	}
	return &LeaseInfo{
		Owner:        l.owner,
		ReentryCount: l.reentryCount,
		CreatedAt:    float64(l.createdAt.UnixNano()) / 1e9,
		ExpireAt:     float64(l.expireAt.UnixNano()) / 1e9,
	}, nil
}
