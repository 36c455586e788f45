package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	redispkg "github.com/chatmesh/chatmesh/pkg/redis"
)

// ErrNoSession is returned by Send when no session exists for the pair.
var ErrNoSession = errors.New("no session for user/room pair")

const presenceTimeout = time.Second

// presenceMirror best-effort replicates room membership and user metadata to
// Redis so other nodes can see cluster-wide presence. Failures are logged and
// dropped; the in-memory registry is always authoritative locally.
type presenceMirror struct {
	client *redispkg.Client
	nodeID string
	log    *zap.Logger
}

func newPresenceMirror(client *redispkg.Client, nodeID string, log *zap.Logger) *presenceMirror {
	return &presenceMirror{client: client, nodeID: nodeID, log: log}
}

func (p *presenceMirror) connected(userID, roomID string) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()

		now := float64(time.Now().UnixNano()) / float64(time.Second)
		pipe := p.client.Pipeline()
		pipe.SAdd(ctx, "room:"+roomID+":users", userID)
		pipe.SAdd(ctx, "node:"+p.nodeID+":users", userID)
		pipe.HSet(ctx, "user:"+userID+":meta", map[string]interface{}{
			"connected_at":  now,
			"last_activity": now,
			"node_id":       p.nodeID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			p.log.Debug("presence mirror update failed", zap.Error(err))
		}
	}()
}

func (p *presenceMirror) disconnected(userID, roomID string) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()

		pipe := p.client.Pipeline()
		pipe.SRem(ctx, "room:"+roomID+":users", userID)
		pipe.SRem(ctx, "node:"+p.nodeID+":users", userID)
		if _, err := pipe.Exec(ctx); err != nil {
			p.log.Debug("presence mirror removal failed", zap.Error(err))
		}
	}()
}
