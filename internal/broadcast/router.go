package broadcast

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/internal/chat"
	"github.com/chatmesh/chatmesh/internal/registry"
	"github.com/chatmesh/chatmesh/pkg/metrics"
)

// ErrQueueFull is returned when a broadcast queue stays full past the
// enqueue timeout. Broadcast is best-effort: the caller logs and drops.
var ErrQueueFull = errors.New("broadcast queue full")

// Task is one queued fan-out: a payload destined for every session in a room.
type Task struct {
	RoomID     string
	Payload    []byte
	EnqueuedAt time.Time
}

// Options configures a Router.
type Options struct {
	Queues         int
	QueueSize      int
	EnqueueTimeout time.Duration
}

// Router fans validated payloads out to every session in a room. Each room
// hashes to one bounded queue with a single worker, so delivery within a room
// is FIFO; across rooms there is no ordering guarantee.
type Router struct {
	queues  []chan Task
	reg     *registry.Registry
	log     *zap.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

// NewRouter builds a router over the given registry.
func NewRouter(reg *registry.Registry, opts Options, log *zap.Logger) *Router {
	if opts.Queues <= 0 {
		opts.Queues = 16
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 200 * time.Millisecond
	}
	r := &Router{
		queues:  make([]chan Task, opts.Queues),
		reg:     reg,
		log:     log.With(zap.String("module", "broadcast")),
		timeout: opts.EnqueueTimeout,
	}
	for i := range r.queues {
		r.queues[i] = make(chan Task, opts.QueueSize)
	}
	return r
}

// Start launches one worker per queue. Workers stop when ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	for i := range r.queues {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) queueFor(roomID string) chan Task {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return r.queues[int(h.Sum32()%uint32(len(r.queues)))]
}

// Enqueue queues a payload for fan-out to a room. Blocks up to the enqueue
// timeout when the room's queue is full, then fails closed.
func (r *Router) Enqueue(roomID string, payload []byte) error {
	task := Task{RoomID: roomID, Payload: payload, EnqueuedAt: time.Now()}
	q := r.queueFor(roomID)

	select {
	case q <- task:
		metrics.QueueDepth.WithLabelValues("broadcast").Set(float64(r.Depth()))
		return nil
	default:
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case q <- task:
		metrics.QueueDepth.WithLabelValues("broadcast").Set(float64(r.Depth()))
		return nil
	case <-timer.C:
		metrics.BroadcastsDropped.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// Depth returns the number of tasks waiting across all queues.
func (r *Router) Depth() int {
	total := 0
	for _, q := range r.queues {
		total += len(q)
	}
	return total
}

// Drain waits for the queues to empty, up to the context deadline. Remaining
// tasks are discarded by shutdown.
func (r *Router) Drain(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.Depth() > 0 {
		select {
		case <-ctx.Done():
			r.log.Warn("drain timeout, discarding queued broadcasts",
				zap.Int("remaining", r.Depth()))
			return
		case <-ticker.C:
		}
	}
}

func (r *Router) worker(ctx context.Context, idx int) {
	defer r.wg.Done()
	log := r.log.With(zap.Int("queue", idx))

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-r.queues[idx]:
			r.runTask(log, task)
			metrics.QueueDepth.WithLabelValues("broadcast").Set(float64(r.Depth()))
		}
	}
}

// runTask processes one fan-out, recovering panics so a poisoned payload
// kills the task, not the worker.
func (r *Router) runTask(log *zap.Logger, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.BroadcastsDropped.WithLabelValues("panic").Inc()
			log.Error("broadcast worker recovered from panic", zap.Any("panic", rec))
		}
	}()
	r.fanOut(log, task)
}

func (r *Router) fanOut(log *zap.Logger, task Task) {
	env, err := chat.Decode(task.Payload)
	if err != nil {
		metrics.BroadcastsDropped.WithLabelValues("malformed").Inc()
		log.Warn("dropping unparseable broadcast payload",
			zap.String("room_id", task.RoomID), zap.Error(err))
		return
	}

	payload := task.Payload
	switch {
	case env.Room == "":
		// Repair a missing room tag to the task's target room.
		env.Room = task.RoomID
		repaired, err := env.Encode()
		if err != nil {
			metrics.BroadcastsDropped.WithLabelValues("malformed").Inc()
			log.Warn("failed to re-encode repaired payload", zap.Error(err))
			return
		}
		payload = repaired
	case env.Room != task.RoomID:
		// A conflicting room claim is never forwarded: room isolation holds
		// even against mislabeled payloads.
		metrics.BroadcastsDropped.WithLabelValues("room_mismatch").Inc()
		log.Warn("dropping broadcast with mismatched room field",
			zap.String("task_room", task.RoomID), zap.String("payload_room", env.Room))
		return
	}

	type failedSend struct{ user, room string }
	var failed []failedSend

	for _, userID := range r.reg.GetRoomUsers(task.RoomID) {
		err := r.reg.Send(userID, task.RoomID, payload)
		switch {
		case err == nil:
			metrics.BroadcastsDelivered.Inc()
		case errors.Is(err, registry.ErrNoSession):
			// Membership index raced a disconnect; nothing to deliver.
		default:
			log.Warn("send failed during fan-out",
				zap.String("user_id", userID), zap.String("room_id", task.RoomID), zap.Error(err))
			failed = append(failed, failedSend{userID, task.RoomID})
		}
	}

	// Dead sessions are cleaned up only after every send for this task has
	// been attempted, then each departure is announced best-effort.
	for _, f := range failed {
		if r.reg.Disconnect(f.user, f.room) {
			r.announceLeave(log, f.user, f.room)
		}
	}
}

func (r *Router) announceLeave(log *zap.Logger, userID, roomID string) {
	env := chat.Envelope{
		Type:      chat.TypeSystem,
		Room:      roomID,
		UserID:    "system",
		Content:   "user " + userID + " left the room",
		Timestamp: chat.Now(),
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	if err := r.Enqueue(roomID, data); err != nil {
		log.Debug("dropping user-left announcement", zap.String("room_id", roomID), zap.Error(err))
	}
}
