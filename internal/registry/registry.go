package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/internal/chat"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	redispkg "github.com/chatmesh/chatmesh/pkg/redis"
)

// degradedWatermark is the fraction of the connection limit below which the
// registry leaves degraded mode on the way down.
const degradedWatermark = 0.8

// Session is one user's live connection within one room. Owned exclusively
// by the registry.
type Session struct {
	UserID      string
	RoomID      string
	Transport   chat.Transport
	ShardIndex  int
	ConnectedAt time.Time

	lastActivity atomic.Int64 // unix nanos
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// shard is one partition of the connection map with its own lock.
type shard struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session // userID -> roomID -> session
}

// Stats is a point-in-time view of the registry for the status surface.
type Stats struct {
	ActiveConnections int64
	ActiveRooms       int
	IsDegraded        bool
}

// Registry is the shard-partitioned map of live sessions plus the room
// membership indexes. One instance is constructed at startup and passed to
// all dependents; there is no hidden global.
type Registry struct {
	shards []*shard
	gate   *Gate
	log    *zap.Logger
	nodeID string

	// Both membership indexes are guarded by indexMu and mutated inside the
	// owning shard's critical section, so a reader never observes one side
	// of the pair without the other.
	indexMu   sync.RWMutex
	userRooms map[string]map[string]struct{}
	roomUsers map[string]map[string]struct{}

	active   atomic.Int64
	limit    int64
	degraded atomic.Bool

	presence *presenceMirror
}

// Options configures a Registry.
type Options struct {
	ShardCount      int
	ConnectionLimit int
	NodeID          string
	Levels          LevelSource
	Redis           *redispkg.Client // optional presence mirror
}

// New constructs a registry with the given shard count and connection limit.
func New(opts Options, log *zap.Logger) *Registry {
	if opts.ShardCount <= 0 {
		opts.ShardCount = 64
	}
	r := &Registry{
		shards:    make([]*shard, opts.ShardCount),
		log:       log.With(zap.String("module", "registry")),
		nodeID:    opts.NodeID,
		userRooms: make(map[string]map[string]struct{}),
		roomUsers: make(map[string]map[string]struct{}),
		limit:     int64(opts.ConnectionLimit),
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]map[string]*Session)}
	}
	r.gate = NewGate(opts.ConnectionLimit, &r.active, opts.Levels, time.Now().UnixNano())
	if opts.Redis != nil {
		r.presence = newPresenceMirror(opts.Redis, opts.NodeID, r.log)
	}
	return r
}

// Gate returns the admission gate, for callers that pre-check admission.
func (r *Registry) Gate() *Gate {
	return r.gate
}

func (r *Registry) shardFor(userID string) (*shard, int) {
	h := fnv.New32a()
	h.Write([]byte(userID))
	idx := int(h.Sum32() % uint32(len(r.shards)))
	return r.shards[idx], idx
}

// Connect admits and registers a new session. A duplicate (userID, roomID)
// pair overwrites the existing session and closes its transport, so the pair
// maps to exactly one session at all times.
func (r *Registry) Connect(transport chat.Transport, userID, roomID string) (bool, Reason) {
	return r.connect(transport, userID, roomID, false)
}

// ConnectPriority registers a session that bypasses degradation sampling
// (but not the hard connection limit).
func (r *Registry) ConnectPriority(transport chat.Transport, userID, roomID string) (bool, Reason) {
	return r.connect(transport, userID, roomID, true)
}

func (r *Registry) connect(transport chat.Transport, userID, roomID string, priority bool) (bool, Reason) {
	accepted, reason := r.gate.Admit(priority)
	if !accepted {
		if reason == ReasonLimitReached && !r.degraded.Swap(true) {
			r.log.Warn("connection limit reached, entering degraded mode",
				zap.Int64("limit", r.limit))
		}
		return false, reason
	}

	sh, idx := r.shardFor(userID)
	now := time.Now()
	session := &Session{
		UserID:      userID,
		RoomID:      roomID,
		Transport:   transport,
		ShardIndex:  idx,
		ConnectedAt: now,
	}
	session.Touch()

	var replaced *Session
	sh.mu.Lock()
	rooms := sh.sessions[userID]
	if rooms == nil {
		rooms = make(map[string]*Session)
		sh.sessions[userID] = rooms
	}
	replaced = rooms[roomID]
	rooms[roomID] = session

	r.indexMu.Lock()
	if r.userRooms[userID] == nil {
		r.userRooms[userID] = make(map[string]struct{})
	}
	r.userRooms[userID][roomID] = struct{}{}
	if r.roomUsers[roomID] == nil {
		r.roomUsers[roomID] = make(map[string]struct{})
	}
	r.roomUsers[roomID][userID] = struct{}{}
	r.indexMu.Unlock()
	sh.mu.Unlock()

	if replaced != nil {
		// Same (user, room) pair reconnected: the count is unchanged, so the
		// slot the gate reserved is returned. The old transport is dead weight.
		count := r.active.Add(-1)
		metrics.ActiveConnections.Set(float64(count))
		if err := replaced.Transport.Close(); err != nil {
			r.log.Debug("failed to close replaced transport",
				zap.String("user_id", userID), zap.String("room_id", roomID), zap.Error(err))
		}
	} else {
		metrics.ActiveConnections.Set(float64(r.active.Load()))
	}

	r.presence.connected(userID, roomID)

	r.log.Info("session connected",
		zap.String("user_id", userID),
		zap.String("room_id", roomID),
		zap.Int64("active", r.active.Load()))
	return true, ReasonOK
}

// Disconnect removes a session. Idempotent: a missing session returns false
// without error.
func (r *Registry) Disconnect(userID, roomID string) bool {
	sh, _ := r.shardFor(userID)

	sh.mu.Lock()
	rooms, ok := sh.sessions[userID]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	session, ok := rooms[roomID]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(sh.sessions, userID)
	}

	r.indexMu.Lock()
	if set, ok := r.userRooms[userID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.userRooms, userID)
		}
	}
	if set, ok := r.roomUsers[roomID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(r.roomUsers, roomID)
		}
	}
	r.indexMu.Unlock()
	sh.mu.Unlock()

	if err := session.Transport.Close(); err != nil {
		r.log.Debug("transport close failed on disconnect",
			zap.String("user_id", userID), zap.String("room_id", roomID), zap.Error(err))
	}

	count := r.active.Add(-1)
	metrics.ActiveConnections.Set(float64(count))

	if r.degraded.Load() && count < int64(float64(r.limit)*degradedWatermark) {
		if r.degraded.Swap(false) {
			r.log.Info("connection count back below watermark, leaving degraded mode",
				zap.Int64("active", count))
		}
	}

	r.presence.disconnected(userID, roomID)

	r.log.Info("session disconnected",
		zap.String("user_id", userID),
		zap.String("room_id", roomID),
		zap.Int64("active", count))
	return true
}

// GetRoomUsers returns a snapshot of the users currently in a room.
func (r *Registry) GetRoomUsers(roomID string) []string {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()

	set := r.roomUsers[roomID]
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	return users
}

// GetUserRooms returns a snapshot of the rooms a user is currently in.
func (r *Registry) GetUserRooms(userID string) []string {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()

	set := r.userRooms[userID]
	rooms := make([]string, 0, len(set))
	for rm := range set {
		rooms = append(rooms, rm)
	}
	return rooms
}

// Lookup returns the session for a (user, room) pair.
func (r *Registry) Lookup(userID, roomID string) (*Session, bool) {
	sh, _ := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rooms, ok := sh.sessions[userID]
	if !ok {
		return nil, false
	}
	s, ok := rooms[roomID]
	return s, ok
}

// Send delivers data to one session. Transport failures are returned to the
// caller, which is responsible for issuing the disconnect.
func (r *Registry) Send(userID, roomID string, data []byte) error {
	session, ok := r.Lookup(userID, roomID)
	if !ok {
		return ErrNoSession
	}
	if err := session.Transport.Send(data); err != nil {
		return err
	}
	session.Touch()
	return nil
}

// SendPersonal delivers data to every session a user holds, across all rooms.
// Dead sessions discovered along the way are disconnected. Returns true when
// at least one delivery succeeded.
func (r *Registry) SendPersonal(userID string, data []byte) bool {
	sh, _ := r.shardFor(userID)

	sh.mu.RLock()
	rooms := sh.sessions[userID]
	targets := make([]*Session, 0, len(rooms))
	for _, s := range rooms {
		targets = append(targets, s)
	}
	sh.mu.RUnlock()

	delivered := false
	var failed []string
	for _, s := range targets {
		if err := s.Transport.Send(data); err != nil {
			r.log.Warn("personal delivery failed",
				zap.String("user_id", userID), zap.String("room_id", s.RoomID), zap.Error(err))
			failed = append(failed, s.RoomID)
			continue
		}
		s.Touch()
		delivered = true
	}
	for _, roomID := range failed {
		r.Disconnect(userID, roomID)
	}
	return delivered
}

// ActiveConnections returns the live session count.
func (r *Registry) ActiveConnections() int64 {
	return r.active.Load()
}

// IsDegraded reports whether the registry is shedding load.
func (r *Registry) IsDegraded() bool {
	return r.degraded.Load()
}

// Stats returns a snapshot for the status surface.
func (r *Registry) Stats() Stats {
	r.indexMu.RLock()
	rooms := len(r.roomUsers)
	r.indexMu.RUnlock()
	return Stats{
		ActiveConnections: r.active.Load(),
		ActiveRooms:       rooms,
		IsDegraded:        r.degraded.Load(),
	}
}

// ActiveRooms returns a snapshot of rooms that currently have members.
func (r *Registry) ActiveRooms() []string {
	r.indexMu.RLock()
	defer r.indexMu.RUnlock()
	rooms := make([]string, 0, len(r.roomUsers))
	for rm := range r.roomUsers {
		rooms = append(rooms, rm)
	}
	return rooms
}

// SweepStale disconnects sessions idle longer than ttl. Returns the number
// of sessions removed.
func (r *Registry) SweepStale(ttl time.Duration) int {
	type key struct{ user, room string }
	var stale []key
	cutoff := time.Now().Add(-ttl)

	for _, sh := range r.shards {
		sh.mu.RLock()
		for userID, rooms := range sh.sessions {
			for roomID, s := range rooms {
				if s.LastActivity().Before(cutoff) {
					stale = append(stale, key{userID, roomID})
				}
			}
		}
		sh.mu.RUnlock()
	}

	for _, k := range stale {
		r.log.Info("disconnecting stale session",
			zap.String("user_id", k.user), zap.String("room_id", k.room))
		r.Disconnect(k.user, k.room)
	}
	return len(stale)
}

// CloseAll disconnects every session, honoring the context deadline.
func (r *Registry) CloseAll(ctx context.Context) {
	type key struct{ user, room string }
	var all []key
	for _, sh := range r.shards {
		sh.mu.RLock()
		for userID, rooms := range sh.sessions {
			for roomID := range rooms {
				all = append(all, key{userID, roomID})
			}
		}
		sh.mu.RUnlock()
	}
	for _, k := range all {
		select {
		case <-ctx.Done():
			r.log.Warn("shutdown grace elapsed, abandoning remaining sessions",
				zap.Int("remaining", len(all)))
			return
		default:
		}
		r.Disconnect(k.user, k.room)
	}
}
