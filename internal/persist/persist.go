package persist

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chatmesh/chatmesh/internal/chat"
)

// Store accepts envelopes for persistence. Callers treat it as fire-and-forget
// with a bounded timeout; a store error never blocks the hot path.
type Store interface {
	Save(ctx context.Context, roomID string, env *chat.Envelope) error
	SavePrivate(ctx context.Context, env *chat.Envelope) error
}

// Noop discards everything. Used in standalone mode.
type Noop struct{}

func (Noop) Save(context.Context, string, *chat.Envelope) error { return nil }
func (Noop) SavePrivate(context.Context, *chat.Envelope) error  { return nil }

// messageID builds the stable history key for a room message.
func messageID(roomID string, env *chat.Envelope) string {
	sender := env.UserID
	if sender == "" {
		sender = "system"
	}
	return fmt.Sprintf("%s:%d:%s", roomID, int64(env.Timestamp*1000), sender)
}

// pairKey orders two user IDs deterministically so both directions of a
// private conversation share one history key.
func pairKey(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// privateID builds the stable history key for a private message.
func privateID(env *chat.Envelope) string {
	u1, u2 := pairKey(env.UserID, env.Target)
	return "private:" + u1 + ":" + u2 + ":" + strconv.FormatInt(int64(env.Timestamp*1000), 10)
}
