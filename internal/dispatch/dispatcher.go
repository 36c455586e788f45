package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/internal/broadcast"
	"github.com/chatmesh/chatmesh/internal/chat"
	"github.com/chatmesh/chatmesh/internal/cluster"
	"github.com/chatmesh/chatmesh/internal/degrade"
	"github.com/chatmesh/chatmesh/internal/monitor"
	"github.com/chatmesh/chatmesh/internal/persist"
	"github.com/chatmesh/chatmesh/internal/registry"
	"github.com/chatmesh/chatmesh/pkg/metrics"
)

// ErrIngressFull is returned when the ingress queue stays full past the
// publish timeout.
var ErrIngressFull = errors.New("ingress queue full")

// ErrSampledOut is returned when degraded-mode sampling sheds the message.
var ErrSampledOut = errors.New("message shed by degradation sampling")

// LevelSource exposes the degradation state consulted for message sampling.
type LevelSource interface {
	Level() degrade.Level
	Policy() degrade.Policy
}

// Options configures a Dispatcher.
type Options struct {
	Workers        int
	QueueSize      int
	PublishTimeout time.Duration
	PersistTimeout time.Duration
	NodeID         string
}

// Dispatcher is the single ingress pipeline: envelopes are validated,
// classified once at this boundary, routed to the broadcast router or to
// personal delivery, persisted asynchronously, and republished to the
// cluster channel.
type Dispatcher struct {
	ingress chan *chat.Envelope
	opts    Options

	router *broadcast.Router
	reg    *registry.Registry
	store  persist.Store
	sync   *cluster.Sync
	levels LevelSource
	mon    *monitor.Monitor
	log    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	wg sync.WaitGroup
}

// New builds a dispatcher. store may be persist.Noop in standalone mode and
// mon may be nil when error accounting is not wired.
func New(opts Options, router *broadcast.Router, reg *registry.Registry, store persist.Store, clusterSync *cluster.Sync, levels LevelSource, mon *monitor.Monitor, log *zap.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 200 * time.Millisecond
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = time.Second
	}
	return &Dispatcher{
		ingress: make(chan *chat.Envelope, opts.QueueSize),
		opts:    opts,
		router:  router,
		reg:     reg,
		store:   store,
		sync:    clusterSync,
		levels:  levels,
		mon:     mon,
		log:     log.With(zap.String("module", "dispatch")),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Depth returns the number of envelopes waiting in the ingress queue.
func (d *Dispatcher) Depth() int {
	return len(d.ingress)
}

// Publish accepts an inbound envelope from the transport layer. Oversized
// content is split into ordered chat_chunk envelopes; under degradation,
// non-system messages are sampled to shed load. Blocks up to the publish
// timeout when the ingress queue is full, then fails closed.
func (d *Dispatcher) Publish(env chat.Envelope) error {
	if env.Timestamp == 0 {
		env.Timestamp = chat.Now()
	}

	if env.Kind() != chat.KindSystem && d.levels != nil && d.levels.Level() >= degrade.Medium {
		if d.sample() >= d.levels.Policy().MessageSampleRate {
			return ErrSampledOut
		}
	}

	for _, part := range chat.Chunk(env) {
		p := part
		if err := d.enqueue(&p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueue(env *chat.Envelope) error {
	select {
	case d.ingress <- env:
		metrics.QueueDepth.WithLabelValues("ingress").Set(float64(len(d.ingress)))
		return nil
	default:
	}

	timer := time.NewTimer(d.opts.PublishTimeout)
	defer timer.Stop()
	select {
	case d.ingress <- env:
		metrics.QueueDepth.WithLabelValues("ingress").Set(float64(len(d.ingress)))
		return nil
	case <-timer.C:
		if d.mon != nil {
			d.mon.CountError()
		}
		return ErrIngressFull
	}
}

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	defer d.wg.Done()
	log := d.log.With(zap.Int("worker", idx))

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.ingress:
			d.runOne(ctx, log, env)
			metrics.QueueDepth.WithLabelValues("ingress").Set(float64(len(d.ingress)))
		}
	}
}

// runOne handles a single envelope, recovering panics at the worker boundary
// so a bad message fails alone.
func (d *Dispatcher) runOne(ctx context.Context, log *zap.Logger, env *chat.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			if d.mon != nil {
				d.mon.CountError()
			}
			log.Error("dispatch worker recovered from panic", zap.Any("panic", rec))
		}
	}()
	d.handle(ctx, log, env)
}

func (d *Dispatcher) handle(ctx context.Context, log *zap.Logger, env *chat.Envelope) {
	if err := env.Validate(); err != nil {
		log.Warn("dropping invalid envelope",
			zap.String("type", env.Type), zap.String("room", env.Room), zap.Error(err))
		if d.mon != nil {
			d.mon.CountError()
		}
		return
	}
	if d.mon != nil {
		d.mon.CountMessage()
	}

	switch env.Kind() {
	case chat.KindChat, chat.KindSystem, chat.KindChunk:
		data, err := env.Encode()
		if err != nil {
			log.Warn("failed to encode envelope", zap.Error(err))
			return
		}
		if err := d.router.Enqueue(env.Room, data); err != nil {
			// A payload local members never saw is neither stored nor
			// relayed: remote rooms must not diverge from the local one.
			log.Warn("dropping broadcast, queue full",
				zap.String("room_id", env.Room), zap.Error(err))
			if d.mon != nil {
				d.mon.CountError()
			}
			return
		}
		d.persistAsync(env)

	case chat.KindPrivate:
		if env.Target == "" {
			log.Warn("dropping private envelope without target",
				zap.String("user_id", env.UserID))
			return
		}
		data, err := env.Encode()
		if err != nil {
			log.Warn("failed to encode envelope", zap.Error(err))
			return
		}
		d.reg.SendPersonal(env.Target, data)
		if env.UserID != env.Target {
			d.reg.SendPersonal(env.UserID, data)
		}
		d.persistPrivateAsync(env)

	case chat.KindPing:
		// Answered by the transport layer; nothing to route.
		return

	case chat.KindUnknown:
		log.Warn("dropping envelope of unknown type", zap.String("type", env.Type))
		return
	}

	if d.sync != nil {
		if err := d.sync.Publish(ctx, env); err != nil {
			log.Debug("cluster republish failed", zap.Error(err))
		}
	}
}

// BroadcastSystem fans a system message out to every active room. Used for
// operator announcements and shutdown notices.
func (d *Dispatcher) BroadcastSystem(content string) {
	for _, roomID := range d.reg.ActiveRooms() {
		env := chat.Envelope{
			Type:      chat.TypeSystem,
			Room:      roomID,
			UserID:    "system",
			Content:   content,
			Timestamp: chat.Now(),
		}
		if err := d.Publish(env); err != nil {
			d.log.Warn("system broadcast dropped",
				zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// persistAsync hands the envelope to the persistence collaborator without
// blocking the hot path. Timeouts and errors are swallowed: persistence is
// best-effort, and under degradation only a sample is stored at all.
func (d *Dispatcher) persistAsync(env *chat.Envelope) {
	if d.skipPersist(env) {
		return
	}
	e := *env
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.PersistTimeout)
		defer cancel()
		if err := d.store.Save(ctx, e.Room, &e); err != nil {
			d.log.Debug("persistence dropped", zap.String("room_id", e.Room), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) persistPrivateAsync(env *chat.Envelope) {
	if d.skipPersist(env) {
		return
	}
	e := *env
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.PersistTimeout)
		defer cancel()
		if err := d.store.SavePrivate(ctx, &e); err != nil {
			d.log.Debug("private persistence dropped", zap.Error(err))
		}
	}()
}

func (d *Dispatcher) skipPersist(env *chat.Envelope) bool {
	if env.Kind() == chat.KindSystem || d.levels == nil {
		return false
	}
	rate := d.levels.Policy().PersistSampleRate
	if rate >= 1 {
		return false
	}
	return d.sample() >= rate
}

func (d *Dispatcher) sample() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64()
}
