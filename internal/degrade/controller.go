package degrade

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/internal/monitor"
	"github.com/chatmesh/chatmesh/pkg/lifecycle"
	"github.com/chatmesh/chatmesh/pkg/metrics"
)

// hysteresisFactor gates level decreases: every metric must fall below this
// fraction of the current level's thresholds before the level drops.
const hysteresisFactor = 0.8

// Callback is invoked synchronously on every level change.
type Callback func(old, new Level, snapshot monitor.Snapshot)

// Controller samples the Monitor on a fixed interval and converts resource
// readings into the process-wide degradation level.
type Controller struct {
	source     monitor.Source
	thresholds map[Level]Thresholds
	policies   map[Level]Policy
	log        *zap.Logger

	level atomic.Int32

	mu        sync.Mutex
	callbacks []Callback

	worker *lifecycle.BackgroundWorker
}

// NewController builds a controller with the default threshold table.
func NewController(source monitor.Source, interval time.Duration, log *zap.Logger) *Controller {
	c := &Controller{
		source:     source,
		thresholds: defaultThresholds(),
		policies:   defaultPolicies(),
		log:        log.With(zap.String("module", "degrade")),
	}
	c.worker = lifecycle.NewBackgroundWorker("degradation-sampler", c.Tick, interval, c.log)
	return c
}

// Level returns the current degradation level. Safe for concurrent readers.
func (c *Controller) Level() Level {
	return Level(c.level.Load())
}

// Policy returns the action set for the current level.
func (c *Controller) Policy() Policy {
	return c.policies[c.Level()]
}

// OnChange registers a callback invoked synchronously on level transitions.
func (c *Controller) OnChange(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Start begins the sampling loop.
func (c *Controller) Start(ctx context.Context) error {
	return c.worker.Start(ctx)
}

// Stop halts the sampling loop.
func (c *Controller) Stop(ctx context.Context) error {
	return c.worker.Stop(ctx)
}

// Tick performs one sampling pass. A metrics-read failure means no level
// change this tick; the next interval retries.
func (c *Controller) Tick(ctx context.Context) error {
	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		c.log.Warn("metrics snapshot failed, keeping current level",
			zap.Stringer("level", c.Level()), zap.Error(err))
		return nil
	}
	c.apply(snap)
	return nil
}

// apply evaluates the snapshot and performs the level transition, notifying
// callbacks under the controller lock so transitions are observed in order.
func (c *Controller) apply(snap monitor.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.Level()
	next := c.evaluate(old, snap)
	if next == old {
		return
	}

	c.level.Store(int32(next))
	metrics.DegradationLevel.Set(float64(next))

	if next > old {
		c.log.Warn("degradation level raised",
			zap.Stringer("from", old), zap.Stringer("to", next),
			zap.Float64("cpu_pct", snap.CPUPct), zap.Float64("mem_pct", snap.MemPct),
			zap.Int("queue_depth", snap.QueueDepth), zap.Float64("error_rate", snap.ErrorRate))
	} else {
		c.log.Info("degradation level lowered",
			zap.Stringer("from", old), zap.Stringer("to", next))
	}

	for _, cb := range c.callbacks {
		cb(old, next, snap)
	}
}

// evaluate picks the next level: escalation is the maximum level triggered by
// any metric; de-escalation drops one level at a time and only once every
// metric is below 80% of the current level's trigger points.
func (c *Controller) evaluate(current Level, snap monitor.Snapshot) Level {
	triggered := Normal
	for lvl := Severe; lvl > Normal; lvl-- {
		if c.triggers(lvl, snap) {
			triggered = lvl
			break
		}
	}

	if triggered >= current {
		return triggered
	}

	t := c.thresholds[current]
	if snap.CPUPct < t.CPUPct*hysteresisFactor &&
		snap.MemPct < t.MemPct*hysteresisFactor &&
		float64(snap.QueueDepth) < float64(t.QueueDepth)*hysteresisFactor &&
		snap.ErrorRate < t.ErrorRate*hysteresisFactor {
		return current - 1
	}
	return current
}

func (c *Controller) triggers(lvl Level, snap monitor.Snapshot) bool {
	t := c.thresholds[lvl]
	return snap.CPUPct >= t.CPUPct ||
		snap.MemPct >= t.MemPct ||
		snap.QueueDepth >= t.QueueDepth ||
		snap.ErrorRate >= t.ErrorRate
}
