package registry

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/chatmesh/chatmesh/internal/degrade"
	"github.com/chatmesh/chatmesh/pkg/metrics"
)

// Reason is the admission result code returned alongside the accept decision.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonLimitReached    Reason = "limit_reached"
	ReasonDegradedSampled Reason = "degraded_sampled"
)

// LevelSource exposes the degradation state the gate consults. Satisfied by
// *degrade.Controller.
type LevelSource interface {
	Level() degrade.Level
	Policy() degrade.Policy
}

// Gate decides whether a new connection is admitted. At the connection limit
// it rejects outright; at degradation level Medium and above it additionally
// sheds a random sample of non-priority connects so load falls off smoothly
// instead of cliff-rejecting.
type Gate struct {
	limit  int64
	active *atomic.Int64
	levels LevelSource

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGate builds an admission gate over the shared connection counter.
func NewGate(limit int, active *atomic.Int64, levels LevelSource, seed int64) *Gate {
	return &Gate{
		limit:  int64(limit),
		active: active,
		levels: levels,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Admit returns whether a connect may proceed and the reason code. An
// admitted connect holds a reserved slot on the shared counter; the caller
// must return it (registry: on duplicate-pair replacement) or release it via
// the normal disconnect path. Reserving before any check makes the limit
// hard under concurrent connects.
func (g *Gate) Admit(priority bool) (bool, Reason) {
	if g.active.Add(1) > g.limit {
		g.active.Add(-1)
		metrics.AdmissionDecisions.WithLabelValues(string(ReasonLimitReached)).Inc()
		return false, ReasonLimitReached
	}

	if !priority && g.levels != nil && g.levels.Level() >= degrade.Medium {
		policy := g.levels.Policy()
		if policy.RejectNewConnections || g.sample() >= policy.AdmitSampleRate {
			g.active.Add(-1)
			metrics.AdmissionDecisions.WithLabelValues(string(ReasonDegradedSampled)).Inc()
			return false, ReasonDegradedSampled
		}
	}

	metrics.AdmissionDecisions.WithLabelValues(string(ReasonOK)).Inc()
	return true, ReasonOK
}

func (g *Gate) sample() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}
