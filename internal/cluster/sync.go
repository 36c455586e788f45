package cluster

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/internal/broadcast"
	"github.com/chatmesh/chatmesh/internal/chat"
	"github.com/chatmesh/chatmesh/internal/registry"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	redispkg "github.com/chatmesh/chatmesh/pkg/redis"
)

// Channel is the shared pub/sub channel all nodes relay broadcasts on.
const Channel = "chat:broadcast"

const (
	receiveTimeout = time.Second
	retryDelay     = time.Second
	logThrottle    = 10 * time.Second
)

// Sync mirrors locally-originated broadcasts to other nodes and injects
// remote broadcasts locally, filtering self-origin. With no Redis client it
// degrades to a no-op and the node runs standalone.
type Sync struct {
	client *redispkg.Client
	nodeID string
	router *broadcast.Router
	reg    *registry.Registry
	log    *zap.Logger

	mu         sync.Mutex
	lastErrLog time.Time
	suppressed int
}

// New builds a Sync. client may be nil for standalone mode.
func New(client *redispkg.Client, nodeID string, router *broadcast.Router, reg *registry.Registry, log *zap.Logger) *Sync {
	return &Sync{
		client: client,
		nodeID: nodeID,
		router: router,
		reg:    reg,
		log:    log.With(zap.String("module", "cluster")),
	}
}

// Enabled reports whether a shared store is configured.
func (s *Sync) Enabled() bool {
	return s.client != nil
}

// Publish relays a locally-handled envelope to the other nodes, tagged with
// this node's ID. Envelopes that already carry a source_node are never
// re-published: that tag is the loop-prevention mechanism, and relaying a
// relayed message would re-broadcast it.
func (s *Sync) Publish(ctx context.Context, env *chat.Envelope) error {
	if s.client == nil {
		return nil
	}
	if env.SourceNode != "" {
		return nil
	}

	tagged := *env
	tagged.SourceNode = s.nodeID
	data, err := tagged.Encode()
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, Channel, data).Err(); err != nil {
		s.throttledError("cluster publish failed", err)
		return err
	}
	metrics.ClusterMessages.WithLabelValues("out").Inc()
	return nil
}

// Run subscribes to the shared channel and routes remote envelopes until ctx
// is cancelled. The receive loop polls with a short timeout so shutdown is
// observed promptly; an unreachable store is retried indefinitely.
func (s *Sync) Run(ctx context.Context) error {
	if s.client == nil {
		s.log.Info("no shared store configured, running standalone")
		<-ctx.Done()
		return nil
	}

	for {
		if err := s.receiveLoop(ctx); err != nil {
			s.throttledError("cluster subscription failed, retrying", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

func (s *Sync) receiveLoop(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("subscribed to cluster channel", zap.String("channel", Channel))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := sub.ReceiveTimeout(ctx, receiveTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
		if m, ok := msg.(*redis.Message); ok {
			s.handle(m.Payload)
		}
	}
}

// handle decodes one relayed envelope and routes it exactly as the local
// dispatcher would, skipping self-origin copies.
func (s *Sync) handle(payload string) {
	env, err := chat.Decode([]byte(payload))
	if err != nil {
		s.log.Warn("dropping malformed cluster envelope", zap.Error(err))
		return
	}
	if env.SourceNode == s.nodeID {
		return
	}
	metrics.ClusterMessages.WithLabelValues("in").Inc()

	switch env.Kind() {
	case chat.KindPrivate:
		if env.Target == "" {
			return
		}
		data, err := env.Encode()
		if err != nil {
			return
		}
		s.reg.SendPersonal(env.Target, data)
	case chat.KindChat, chat.KindSystem, chat.KindChunk:
		if env.Room == "" {
			return
		}
		data, err := env.Encode()
		if err != nil {
			return
		}
		if err := s.router.Enqueue(env.Room, data); err != nil {
			s.log.Warn("dropping relayed broadcast",
				zap.String("room_id", env.Room), zap.Error(err))
		}
	case chat.KindPing, chat.KindUnknown:
		// Not relayable traffic.
	}
}

// isTimeout reports whether the error is a receive poll timeout rather than
// a broken subscription.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// throttledError logs at most once per throttle window, counting suppressed
// occurrences so an unreachable store does not flood the log.
func (s *Sync) throttledError(msg string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.suppressed++
	if time.Since(s.lastErrLog) < logThrottle {
		return
	}
	s.log.Error(msg, zap.Error(err), zap.Int("occurrences", s.suppressed))
	s.lastErrLog = time.Now()
	s.suppressed = 0
}
