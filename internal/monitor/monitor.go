package monitor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is one point-in-time reading of the resource and queue metrics the
// degradation controller evaluates.
type Snapshot struct {
	CPUPct     float64
	MemPct     float64
	QueueDepth int
	ErrorRate  float64
	Timestamp  time.Time
}

// Source supplies metric snapshots on demand.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// QueueDepthFunc reports the current combined depth of the internal queues.
type QueueDepthFunc func() int

// CPUProbe reports process CPU usage as a percentage. Injected so tests and
// platforms without a native probe can supply their own reading.
type CPUProbe func() (float64, error)

// Monitor is the default Source. Memory pressure comes from the Go runtime
// against a configured budget; cpu from an injected probe; error rate from a
// sliding window of counters fed by the dispatch and broadcast paths.
type Monitor struct {
	memBudgetBytes uint64
	cpuProbe       CPUProbe
	queueDepth     QueueDepthFunc

	mu       sync.Mutex
	window   time.Duration
	windowAt time.Time
	errors   atomic.Int64
	total    atomic.Int64
	lastRate float64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCPUProbe overrides the CPU probe.
func WithCPUProbe(p CPUProbe) Option {
	return func(m *Monitor) { m.cpuProbe = p }
}

// WithMemoryBudget sets the heap budget used to derive memory percentage.
func WithMemoryBudget(bytes uint64) Option {
	return func(m *Monitor) { m.memBudgetBytes = bytes }
}

// New creates a Monitor. queueDepth may be nil when no queues are wired yet.
func New(queueDepth QueueDepthFunc, opts ...Option) *Monitor {
	m := &Monitor{
		memBudgetBytes: 2 << 30, // 2 GiB default heap budget
		cpuProbe:       func() (float64, error) { return 0, nil },
		queueDepth:     queueDepth,
		window:         time.Minute,
		windowAt:       time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CountMessage records one handled unit of work.
func (m *Monitor) CountMessage() {
	m.total.Add(1)
}

// CountError records one failed unit of work.
func (m *Monitor) CountError() {
	m.errors.Add(1)
	m.total.Add(1)
}

// Snapshot returns the current metrics reading.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	cpu, err := m.cpuProbe()
	if err != nil {
		return Snapshot{}, err
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memPct := float64(ms.HeapAlloc) / float64(m.memBudgetBytes) * 100

	depth := 0
	if m.queueDepth != nil {
		depth = m.queueDepth()
	}

	return Snapshot{
		CPUPct:     cpu,
		MemPct:     memPct,
		QueueDepth: depth,
		ErrorRate:  m.errorRate(),
		Timestamp:  time.Now(),
	}, nil
}

// errorRate returns the failure fraction over the current window, resetting
// the counters once the window elapses so stale spikes age out.
func (m *Monitor) errorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.total.Load()
	if total > 0 {
		m.lastRate = float64(m.errors.Load()) / float64(total)
	}
	if time.Since(m.windowAt) >= m.window {
		m.errors.Store(0)
		m.total.Store(0)
		m.windowAt = time.Now()
	}
	return m.lastRate
}
