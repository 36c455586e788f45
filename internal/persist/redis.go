package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/internal/chat"
	redispkg "github.com/chatmesh/chatmesh/pkg/redis"
)

const (
	// roomHistoryLimit is the number of messages retained per room.
	roomHistoryLimit = 1000
	// privateHistoryLimit is the number of messages retained per user pair.
	privateHistoryLimit = 100
)

// ErrMissingTarget is returned when a private envelope lacks sender or target.
var ErrMissingTarget = errors.New("private envelope missing user_id or target")

// RedisStore keeps message history in Redis: a hash per message plus a
// score-ordered index per room (or user pair), trimmed to a retention cap.
type RedisStore struct {
	client *redispkg.Client
	log    *zap.Logger
}

// NewRedisStore builds a history store over the shared Redis client.
func NewRedisStore(client *redispkg.Client, log *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		log:    log.With(zap.String("module", "persist")),
	}
}

// Save persists a room message and trims the room index.
func (s *RedisStore) Save(ctx context.Context, roomID string, env *chat.Envelope) error {
	msgID := messageID(roomID, env)
	sender := env.UserID
	if sender == "" {
		sender = "system"
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, "message:"+msgID, map[string]interface{}{
		"content":   env.Content,
		"sender":    sender,
		"type":      env.Type,
		"timestamp": strconv.FormatFloat(env.Timestamp, 'f', -1, 64),
	})
	pipe.ZAdd(ctx, "room:"+roomID+":messages", redis.Z{Score: env.Timestamp, Member: msgID})
	pipe.ZRemRangeByRank(ctx, "room:"+roomID+":messages", 0, -(roomHistoryLimit + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist room message: %w", err)
	}
	return nil
}

// SavePrivate persists a private message under the sorted user-pair key.
func (s *RedisStore) SavePrivate(ctx context.Context, env *chat.Envelope) error {
	if env.UserID == "" || env.Target == "" {
		return ErrMissingTarget
	}
	msgID := privateID(env)
	u1, u2 := pairKey(env.UserID, env.Target)
	indexKey := "private:" + u1 + ":" + u2 + ":messages"

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, "message:"+msgID, map[string]interface{}{
		"content":   env.Content,
		"sender":    env.UserID,
		"receiver":  env.Target,
		"type":      chat.TypePrivate,
		"timestamp": strconv.FormatFloat(env.Timestamp, 'f', -1, 64),
	})
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: env.Timestamp, Member: msgID})
	pipe.ZRemRangeByRank(ctx, indexKey, 0, -(privateHistoryLimit + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist private message: %w", err)
	}
	return nil
}

// HistoryEntry is one stored message returned by the history readers.
type HistoryEntry struct {
	ID        string
	Content   string
	Sender    string
	Receiver  string
	Type      string
	Timestamp float64
}

// History returns up to limit most recent room messages, oldest first.
func (s *RedisStore) History(ctx context.Context, roomID string, limit int) ([]HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.readIndex(ctx, "room:"+roomID+":messages", limit)
}

// PrivateHistory returns up to limit most recent private messages between two
// users, oldest first.
func (s *RedisStore) PrivateHistory(ctx context.Context, user1, user2 string, limit int) ([]HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	u1, u2 := pairKey(user1, user2)
	return s.readIndex(ctx, "private:"+u1+":"+u2+":messages", limit)
}

func (s *RedisStore) readIndex(ctx context.Context, indexKey string, limit int) ([]HistoryEntry, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history index: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, "message:"+id).Result()
		if err != nil {
			s.log.Warn("skipping unreadable history entry",
				zap.String("message_id", id), zap.Error(err))
			continue
		}
		if len(fields) == 0 {
			continue
		}
		ts, _ := strconv.ParseFloat(fields["timestamp"], 64)
		entries = append(entries, HistoryEntry{
			ID:        id,
			Content:   fields["content"],
			Sender:    fields["sender"],
			Receiver:  fields["receiver"],
			Type:      fields["type"],
			Timestamp: ts,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	return entries, nil
}
