package dlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/pkg/metrics"
)

// maxExtension caps the renewal extension growth so a long-held lease never
// outlives its holder by more than a minute.
const maxExtension = 60 * time.Second

// ErrAcquireTimeout is returned when the lease stays contended past the
// acquire deadline.
var ErrAcquireTimeout = errors.New("lock acquire timed out")

// errContended is the internal retry signal for the acquire backoff loop.
var errContended = errors.New("lease held by another owner")

// Options configures a Mutex.
type Options struct {
	// TTL is the lease lifetime. Renewal runs at TTL/2 while held.
	TTL time.Duration
	// AcquireTimeout bounds how long Acquire retries before giving up.
	AcquireTimeout time.Duration
}

// Mutex is a reentrant lease-based lock. One Mutex instance represents one
// owner: the same instance may Acquire repeatedly and must Release the same
// number of times. While held, a background goroutine renews the lease at
// half the TTL with a growing extension, so a live holder keeps the lease and
// a dead one loses it within one TTL.
type Mutex struct {
	key   string
	owner string
	opts  Options
	store LeaseStore
	log   *zap.Logger

	mu          sync.Mutex
	held        bool
	reentry     int
	renewCancel context.CancelFunc
	renewDone   chan struct{}
}

// NewMutex builds a mutex over the given lease store. nodeID scopes the owner
// identity so leases survive key collisions across nodes.
func NewMutex(key, nodeID string, store LeaseStore, opts Options, log *zap.Logger) *Mutex {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	return &Mutex{
		key:   key,
		owner: nodeID + ":" + uuid.NewString(),
		opts:  opts,
		store: store,
		log:   log.With(zap.String("module", "dlock"), zap.String("lock_key", key)),
	}
}

// Key returns the lease key this mutex guards.
func (m *Mutex) Key() string { return m.key }

// Held reports whether this instance currently believes it holds the lease.
// A renewal failure flips this to false even between Acquire and Release.
func (m *Mutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Acquire takes the lease, retrying with exponential backoff until it
// succeeds or the acquire timeout elapses. A contended lease whose recorded
// expiry has passed is reclaimed and retaken in the same attempt. Reentrant
// for this instance.
func (m *Mutex) Acquire(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = m.opts.AcquireTimeout

	attempt := func() error {
		ok, err := m.store.AcquireOrReenter(ctx, m.key, m.owner, m.opts.TTL)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		// The holder may be dead. Reclaim a lease whose expiry has passed
		// and retake it immediately.
		reclaimed, err := m.store.ReclaimExpired(ctx, m.key)
		if err != nil {
			return err
		}
		if reclaimed {
			metrics.LockAcquisitions.WithLabelValues("reclaimed").Inc()
			m.log.Warn("reclaimed expired lease", zap.String("owner", m.owner))
			ok, err = m.store.AcquireOrReenter(ctx, m.key, m.owner, m.opts.TTL)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
		return errContended
	}

	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
		if errors.Is(err, errContended) {
			return ErrAcquireTimeout
		}
		return err
	}

	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reentry++
	if !m.held {
		m.held = true
		m.startRenewal()
	}
	return nil
}

// TryAcquire attempts the lease exactly once without retrying.
func (m *Mutex) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := m.store.AcquireOrReenter(ctx, m.key, m.owner, m.opts.TTL)
	if err != nil || !ok {
		return false, err
	}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reentry++
	if !m.held {
		m.held = true
		m.startRenewal()
	}
	return true, nil
}

// Release undoes one Acquire. The lease is given up only when the outermost
// Release runs. ErrNotHeld when this instance does not hold the lease, which
// also happens after a lost renewal.
func (m *Mutex) Release(ctx context.Context) error {
	m.mu.Lock()
	if !m.held {
		m.mu.Unlock()
		return ErrNotHeld
	}
	m.mu.Unlock()

	full, err := m.store.Release(ctx, m.key, m.owner)
	if err != nil {
		if errors.Is(err, ErrNotHeld) {
			// The lease was reclaimed out from under us.
			m.teardown()
		}
		return err
	}

	m.mu.Lock()
	m.reentry--
	m.mu.Unlock()
	if full {
		m.teardown()
	}
	return nil
}

// GetLeaseInfo returns the current lease state regardless of holder.
func (m *Mutex) GetLeaseInfo(ctx context.Context) (*LeaseInfo, error) {
	return m.store.Info(ctx, m.key)
}

// ForceUnlock deletes the lease unconditionally, whoever holds it.
func (m *Mutex) ForceUnlock(ctx context.Context) error {
	if err := m.store.ForceUnlock(ctx, m.key); err != nil {
		return err
	}
	m.teardown()
	return nil
}

func (m *Mutex) teardown() {
	m.mu.Lock()
	cancel := m.renewCancel
	done := m.renewDone
	m.held = false
	m.reentry = 0
	m.renewCancel = nil
	m.renewDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// startRenewal is called with m.mu held on the first acquisition.
func (m *Mutex) startRenewal() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.renewCancel = cancel
	m.renewDone = done
	go m.renewLoop(ctx, done)
}

// renewLoop extends the lease at half the TTL. Each successful renewal grows
// the extension by half again, capped, so a stable holder issues fewer store
// round-trips over time. A failed renewal means the lease is gone: the loop
// marks the mutex unheld and exits.
func (m *Mutex) renewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	extension := m.opts.TTL
	ticker := time.NewTicker(m.opts.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		ok, err := m.store.Extend(renewCtx, m.key, m.owner, extension)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("lease renewal error", zap.Error(err))
			continue
		}
		if !ok {
			metrics.LockAcquisitions.WithLabelValues("lost").Inc()
			m.log.Error("lease lost, another owner took it")
			m.mu.Lock()
			m.held = false
			m.reentry = 0
			m.renewCancel = nil
			m.renewDone = nil
			m.mu.Unlock()
			return
		}

		extension = extension * 3 / 2
		if extension > maxExtension {
			extension = maxExtension
		}
	}
}
