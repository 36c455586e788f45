package registry

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/internal/degrade"
)

type stubLevels struct {
	level  degrade.Level
	policy degrade.Policy
}

func (s stubLevels) Level() degrade.Level   { return s.level }
func (s stubLevels) Policy() degrade.Policy { return s.policy }

func TestGateAdmitsUnderLimit(t *testing.T) {
	var active atomic.Int64
	g := NewGate(10, &active, nil, 1)

	ok, reason := g.Admit(false)
	assert.True(t, ok)
	assert.Equal(t, ReasonOK, reason)
}

func TestGateRejectsAtLimit(t *testing.T) {
	var active atomic.Int64
	active.Store(10)
	g := NewGate(10, &active, nil, 1)

	ok, reason := g.Admit(false)
	assert.False(t, ok)
	assert.Equal(t, ReasonLimitReached, reason)

	ok, reason = g.Admit(true)
	assert.False(t, ok)
	assert.Equal(t, ReasonLimitReached, reason)
}

func TestGateReservesSlotOnAdmitAndRollsBackOnReject(t *testing.T) {
	var active atomic.Int64
	g := NewGate(1, &active, nil, 1)

	ok, _ := g.Admit(false)
	require.True(t, ok)
	assert.Equal(t, int64(1), active.Load())

	// The second admit fails and must not leave a phantom reservation.
	ok, reason := g.Admit(false)
	assert.False(t, ok)
	assert.Equal(t, ReasonLimitReached, reason)
	assert.Equal(t, int64(1), active.Load())

	// Degradation rejections also return the slot.
	shed := NewGate(10, &active, stubLevels{level: degrade.Severe, policy: degrade.Policy{RejectNewConnections: true}}, 1)
	ok, _ = shed.Admit(false)
	assert.False(t, ok)
	assert.Equal(t, int64(1), active.Load())
}

func TestGateShedsUnderDegradation(t *testing.T) {
	var active atomic.Int64
	levels := stubLevels{
		level:  degrade.Severe,
		policy: degrade.Policy{RejectNewConnections: true},
	}
	g := NewGate(10, &active, levels, 1)

	ok, reason := g.Admit(false)
	assert.False(t, ok)
	assert.Equal(t, ReasonDegradedSampled, reason)

	// Priority connects bypass degradation shedding.
	ok, reason = g.Admit(true)
	assert.True(t, ok)
	assert.Equal(t, ReasonOK, reason)
}

func TestGateSamplingRates(t *testing.T) {
	var active atomic.Int64

	// Rate 0 sheds everything, rate 1 admits everything.
	shedAll := NewGate(1000, &active, stubLevels{level: degrade.Medium, policy: degrade.Policy{AdmitSampleRate: 0}}, 1)
	admitAll := NewGate(1000, &active, stubLevels{level: degrade.Medium, policy: degrade.Policy{AdmitSampleRate: 1}}, 1)

	for i := 0; i < 100; i++ {
		ok, _ := shedAll.Admit(false)
		assert.False(t, ok)
		ok, _ = admitAll.Admit(false)
		assert.True(t, ok)
	}
}

func TestGateIgnoresLightDegradation(t *testing.T) {
	var active atomic.Int64
	levels := stubLevels{level: degrade.Light, policy: degrade.Policy{AdmitSampleRate: 0}}
	g := NewGate(10, &active, levels, 1)

	// Admission shedding starts at Medium.
	ok, _ := g.Admit(false)
	assert.True(t, ok)
}
