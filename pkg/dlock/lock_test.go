package dlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMutex(t *testing.T, key string, store LeaseStore, opts Options) *Mutex {
	t.Helper()
	return NewMutex(key, "test-node", store, opts, zaptest.NewLogger(t))
}

func TestAcquireAndRelease(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMutex(t, "inventory", store, Options{TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx))
	assert.True(t, m.Held())

	info, err := m.GetLeaseInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 1, info.ReentryCount)
	assert.Greater(t, info.ExpireAt, info.CreatedAt)

	require.NoError(t, m.Release(ctx))
	assert.False(t, m.Held())

	info, err = m.GetLeaseInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestReentrancy(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMutex(t, "inventory", store, Options{TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx))
	require.NoError(t, m.Acquire(ctx))

	info, err := m.GetLeaseInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.ReentryCount)

	// The first release keeps the lease; the second gives it up.
	require.NoError(t, m.Release(ctx))
	assert.True(t, m.Held())
	require.NoError(t, m.Release(ctx))
	assert.False(t, m.Held())

	// A third release has nothing to undo.
	assert.ErrorIs(t, m.Release(ctx), ErrNotHeld)
}

func TestMutualExclusion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	m1 := newTestMutex(t, "inventory", store, Options{TTL: time.Minute})
	m2 := newTestMutex(t, "inventory", store, Options{TTL: time.Minute, AcquireTimeout: 150 * time.Millisecond})

	require.NoError(t, m1.Acquire(ctx))

	ok, err := m2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, m2.Acquire(ctx), ErrAcquireTimeout)

	// Different keys never contend.
	m3 := newTestMutex(t, "billing", store, Options{TTL: time.Minute})
	require.NoError(t, m3.Acquire(ctx))
	require.NoError(t, m3.Release(ctx))

	require.NoError(t, m1.Release(ctx))
	require.NoError(t, m2.Acquire(ctx))
	require.NoError(t, m2.Release(ctx))
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// A holder that died without releasing: taken straight through the
	// store, so no renewal keeps it alive.
	ok, err := store.AcquireOrReenter(ctx, "inventory", "dead-owner", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(40 * time.Millisecond)

	m := newTestMutex(t, "inventory", store, Options{TTL: time.Minute, AcquireTimeout: time.Second})
	require.NoError(t, m.Acquire(ctx))
	assert.True(t, m.Held())
	require.NoError(t, m.Release(ctx))
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	m := newTestMutex(t, "inventory", store, Options{TTL: 60 * time.Millisecond})

	require.NoError(t, m.Acquire(ctx))
	// Several TTLs pass; renewal at TTL/2 must keep the lease current.
	time.Sleep(200 * time.Millisecond)

	assert.True(t, m.Held())
	info, err := m.GetLeaseInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Greater(t, info.ExpireAt, float64(time.Now().UnixNano())/1e9)

	require.NoError(t, m.Release(ctx))
}

func TestLostLeaseFlipsHeld(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	m := newTestMutex(t, "inventory", store, Options{TTL: 40 * time.Millisecond})

	require.NoError(t, m.Acquire(ctx))

	// An operator yanks the lease out from under the holder. The next
	// renewal fails and the mutex reports unheld.
	require.NoError(t, store.ForceUnlock(ctx, "inventory"))
	ok, err := store.AcquireOrReenter(ctx, "inventory", "usurper", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool { return !m.Held() }, time.Second, 10*time.Millisecond)
}

func TestForceUnlock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	m1 := newTestMutex(t, "inventory", store, Options{TTL: time.Minute})
	m2 := newTestMutex(t, "inventory", store, Options{TTL: time.Minute})

	require.NoError(t, m1.Acquire(ctx))
	require.NoError(t, m2.ForceUnlock(ctx))

	ok, err := m2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m2.Release(ctx))
}

func TestMemoryStoreReleaseWrongOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.AcquireOrReenter(ctx, "k", "alice", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.Release(ctx, "k", "bob")
	assert.ErrorIs(t, err, ErrNotHeld)

	full, err := store.Release(ctx, "k", "alice")
	require.NoError(t, err)
	assert.True(t, full)
}

func TestMemoryStoreExtend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.AcquireOrReenter(ctx, "k", "alice", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Extend(ctx, "k", "alice", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Extend(ctx, "k", "bob", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
