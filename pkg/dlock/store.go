package dlock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Release when the caller does not own the lease.
var ErrNotHeld = errors.New("lease not held by this owner")

// LeaseInfo describes the current holder of a lease.
type LeaseInfo struct {
	Owner        string
	ReentryCount int
	CreatedAt    float64
	ExpireAt     float64
}

// LeaseStore is the backing store for distributed leases. Acquire and Release
// must be atomic with respect to concurrent callers: the Redis store uses Lua
// scripts, the in-process store a mutex.
type LeaseStore interface {
	// AcquireOrReenter takes the lease if it is free, or bumps the reentry
	// count if owner already holds it. Either way the lease TTL is refreshed.
	AcquireOrReenter(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release decrements the reentry count and deletes the lease when it
	// reaches zero. Returns true when the lease was fully released, false
	// when the owner still holds it. ErrNotHeld when owner does not match.
	Release(ctx context.Context, key, owner string) (bool, error)

	// Extend pushes the lease expiry forward for the current owner.
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReclaimExpired deletes the lease if its recorded expiry has passed.
	// Returns true when a stale lease was removed.
	ReclaimExpired(ctx context.Context, key string) (bool, error)

	// ForceUnlock unconditionally deletes the lease. Operator escape hatch.
	ForceUnlock(ctx context.Context, key string) error

	// Info returns the current lease state, or nil when the lease is free.
	Info(ctx context.Context, key string) (*LeaseInfo, error)
}
