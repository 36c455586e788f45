package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReadsAllSources(t *testing.T) {
	m := New(
		func() int { return 42 },
		WithCPUProbe(func() (float64, error) { return 73.5, nil }),
	)

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 73.5, snap.CPUPct)
	assert.Equal(t, 42, snap.QueueDepth)
	assert.Greater(t, snap.MemPct, 0.0)
	assert.False(t, snap.Timestamp.IsZero())
}

func TestSnapshotPropagatesProbeError(t *testing.T) {
	m := New(nil, WithCPUProbe(func() (float64, error) {
		return 0, errors.New("probe unavailable")
	}))

	_, err := m.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestErrorRate(t *testing.T) {
	m := New(nil)

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.ErrorRate)

	for i := 0; i < 9; i++ {
		m.CountMessage()
	}
	m.CountError()

	snap, err = m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.1, snap.ErrorRate, 0.001)
}

func TestNilQueueDepthReadsZero(t *testing.T) {
	m := New(nil)
	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.QueueDepth)
}

func TestMemoryBudgetScalesPercentage(t *testing.T) {
	small := New(nil, WithMemoryBudget(1<<20))
	large := New(nil, WithMemoryBudget(1<<40))

	s1, err := small.Snapshot(context.Background())
	require.NoError(t, err)
	s2, err := large.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Greater(t, s1.MemPct, s2.MemPct)
}
