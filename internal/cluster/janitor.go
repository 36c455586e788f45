package cluster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/pkg/dlock"
	"github.com/chatmesh/chatmesh/pkg/lifecycle"
	redispkg "github.com/chatmesh/chatmesh/pkg/redis"
)

const (
	janitorInterval = time.Minute
	janitorLockKey  = "presence-janitor"
	scanBatch       = 100
)

// Janitor removes presence state left behind by nodes that died without
// disconnecting their sessions: a node whose status key has expired gets its
// node:{id}:users set swept and the members removed from every room set. The
// sweep runs on one node at a time, elected by the distributed mutex.
type Janitor struct {
	client *redispkg.Client
	mutex  *dlock.Mutex
	log    *zap.Logger
	worker *lifecycle.BackgroundWorker
}

// NewJanitor builds the presence janitor. nodeID identifies this candidate in
// the lock election.
func NewJanitor(client *redispkg.Client, nodeID string, store dlock.LeaseStore, log *zap.Logger) *Janitor {
	l := log.With(zap.String("module", "janitor"))
	j := &Janitor{
		client: client,
		mutex:  dlock.NewMutex(janitorLockKey, nodeID, store, dlock.Options{TTL: 30 * time.Second}, l),
		log:    l,
	}
	j.worker = lifecycle.NewBackgroundWorker("presence-janitor", j.sweep, janitorInterval, l)
	return j
}

// Start launches the periodic sweep. No-op without a shared store: a
// standalone node has no remote presence to reconcile.
func (j *Janitor) Start(ctx context.Context) {
	if j.client == nil {
		return
	}
	_ = j.worker.Start(ctx)
}

// Stop halts the sweep worker.
func (j *Janitor) Stop(ctx context.Context) {
	if j.client == nil {
		return
	}
	_ = j.worker.Stop(ctx)
}

// sweep runs one election-and-clean pass. Losing the election is the common
// case on all nodes but one and is not an error.
func (j *Janitor) sweep(ctx context.Context) error {
	ok, err := j.mutex.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("janitor lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := j.mutex.Release(ctx); err != nil {
			j.log.Warn("janitor lock release failed", zap.Error(err))
		}
	}()

	dead, err := j.deadNodes(ctx)
	if err != nil {
		return err
	}
	for _, nodeID := range dead {
		if err := j.cleanNode(ctx, nodeID); err != nil {
			j.log.Warn("failed to clean dead node presence",
				zap.String("dead_node", nodeID), zap.Error(err))
		}
	}
	return nil
}

// deadNodes lists node IDs that have a users set but no live status key.
func (j *Janitor) deadNodes(ctx context.Context) ([]string, error) {
	var dead []string
	iter := j.client.Scan(ctx, 0, "node:*:users", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		nodeID := key[len("node:") : len(key)-len(":users")]

		alive, err := j.client.Exists(ctx, "node:"+nodeID+":status").Result()
		if err != nil {
			return nil, fmt.Errorf("check node status: %w", err)
		}
		if alive == 0 {
			dead = append(dead, nodeID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan node sets: %w", err)
	}
	return dead, nil
}

// cleanNode removes a dead node's users from every room set, then drops the
// node set itself.
func (j *Janitor) cleanNode(ctx context.Context, nodeID string) error {
	users, err := j.client.SMembers(ctx, "node:"+nodeID+":users").Result()
	if err != nil {
		return fmt.Errorf("read node users: %w", err)
	}

	// Only users still pinned to the dead node are swept; a user who
	// reconnected elsewhere has fresh metadata.
	stale := make([]interface{}, 0, len(users))
	for _, userID := range users {
		meta, err := j.client.HGet(ctx, "user:"+userID+":meta", "node_id").Result()
		if err == nil && meta != nodeID {
			continue
		}
		stale = append(stale, userID)
	}

	removed := 0
	if len(stale) > 0 {
		iter := j.client.Scan(ctx, 0, "room:*:users", scanBatch).Iterator()
		for iter.Next(ctx) {
			n, err := j.client.SRem(ctx, iter.Val(), stale...).Result()
			if err != nil {
				return fmt.Errorf("remove users from room set: %w", err)
			}
			removed += int(n)
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan room sets: %w", err)
		}
	}

	if err := j.client.Del(ctx, "node:"+nodeID+":users").Err(); err != nil {
		return fmt.Errorf("drop node set: %w", err)
	}
	j.log.Info("cleaned presence of dead node",
		zap.String("dead_node", nodeID),
		zap.Int("users", len(stale)),
		zap.Int("room_entries_removed", removed))
	return nil
}
