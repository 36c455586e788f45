package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatmesh/chatmesh/internal/broadcast"
	"github.com/chatmesh/chatmesh/internal/chat"
	"github.com/chatmesh/chatmesh/internal/degrade"
	"github.com/chatmesh/chatmesh/internal/registry"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) envelopes(t *testing.T) []*chat.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*chat.Envelope, 0, len(f.sent))
	for _, data := range f.sent {
		env, err := chat.Decode(data)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingStore struct {
	mu      sync.Mutex
	room    []*chat.Envelope
	private []*chat.Envelope
}

func (s *recordingStore) Save(_ context.Context, _ string, env *chat.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = append(s.room, env)
	return nil
}

func (s *recordingStore) SavePrivate(_ context.Context, env *chat.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private = append(s.private, env)
	return nil
}

func (s *recordingStore) roomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.room)
}

func (s *recordingStore) privateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.private)
}

type stubLevels struct {
	level  degrade.Level
	policy degrade.Policy
}

func (s stubLevels) Level() degrade.Level   { return s.level }
func (s stubLevels) Policy() degrade.Policy { return s.policy }

func newTestDispatcher(t *testing.T, levels LevelSource) (*Dispatcher, *registry.Registry, *recordingStore) {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := registry.New(registry.Options{ShardCount: 8, ConnectionLimit: 100, NodeID: "test"}, log)
	router := broadcast.NewRouter(reg, broadcast.Options{Queues: 4, QueueSize: 64, EnqueueTimeout: 50 * time.Millisecond}, log)
	store := &recordingStore{}
	d := New(Options{Workers: 2, QueueSize: 64, PublishTimeout: 50 * time.Millisecond}, router, reg, store, nil, levels, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	router.Start(ctx)
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
		router.Wait()
	})
	return d, reg, store
}

func TestPublishRoutesChatToRoom(t *testing.T) {
	d, reg, store := newTestDispatcher(t, nil)
	alice := &fakeTransport{}
	bob := &fakeTransport{}
	reg.Connect(alice, "alice", "general")
	reg.Connect(bob, "bob", "general")

	require.NoError(t, d.Publish(chat.Envelope{
		Type: chat.TypeChat, Room: "general", UserID: "alice", Content: "hi",
	}))

	require.Eventually(t, func() bool {
		return alice.count() == 1 && bob.count() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return store.roomCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublishDeliversPrivateToBothParties(t *testing.T) {
	d, reg, store := newTestDispatcher(t, nil)
	alice := &fakeTransport{}
	bob := &fakeTransport{}
	carol := &fakeTransport{}
	reg.Connect(alice, "alice", "general")
	reg.Connect(bob, "bob", "general")
	reg.Connect(carol, "carol", "general")

	require.NoError(t, d.Publish(chat.Envelope{
		Type: chat.TypePrivate, Room: "general", UserID: "alice", Content: "psst", Target: "bob",
	}))

	require.Eventually(t, func() bool {
		return alice.count() == 1 && bob.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, carol.count())

	require.Eventually(t, func() bool {
		return store.privateCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, store.roomCount())
}

func TestPublishDropsInvalidEnvelopes(t *testing.T) {
	d, reg, store := newTestDispatcher(t, nil)
	alice := &fakeTransport{}
	reg.Connect(alice, "alice", "general")

	// Accepted at ingress, dropped by validation in the worker.
	require.NoError(t, d.Publish(chat.Envelope{Type: chat.TypeChat, Room: "general"}))
	require.NoError(t, d.Publish(chat.Envelope{Type: "presence_blast", Room: "general", Content: "x"}))
	require.NoError(t, d.Publish(chat.Envelope{Room: "general", Content: "x"}))

	require.Eventually(t, func() bool { return d.Depth() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, alice.count())
	assert.Zero(t, store.roomCount())
}

func TestPublishChunksOversizedContent(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, nil)
	alice := &fakeTransport{}
	reg.Connect(alice, "alice", "general")

	content := strings.Repeat("x", chat.ChunkThreshold*2+5)
	require.NoError(t, d.Publish(chat.Envelope{
		Type: chat.TypeChat, Room: "general", UserID: "bob", Content: content,
	}))

	require.Eventually(t, func() bool {
		return alice.count() == 3
	}, time.Second, 5*time.Millisecond)

	var rebuilt strings.Builder
	for i, env := range alice.envelopes(t) {
		assert.Equal(t, chat.TypeChunk, env.Type)
		assert.Equal(t, i, env.ChunkIndex)
		assert.Equal(t, 3, env.TotalChunks)
		rebuilt.WriteString(env.Content)
	}
	assert.Equal(t, content, rebuilt.String())
}

func TestPublishShedsUnderDegradation(t *testing.T) {
	levels := stubLevels{
		level:  degrade.Severe,
		policy: degrade.Policy{MessageSampleRate: 0, PersistSampleRate: 1},
	}
	d, reg, _ := newTestDispatcher(t, levels)
	alice := &fakeTransport{}
	reg.Connect(alice, "alice", "general")

	err := d.Publish(chat.Envelope{Type: chat.TypeChat, Room: "general", UserID: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ErrSampledOut)

	// System messages are never shed.
	require.NoError(t, d.Publish(chat.Envelope{
		Type: chat.TypeSystem, Room: "general", UserID: "system", Content: "maintenance soon",
	}))
	require.Eventually(t, func() bool {
		return alice.count() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublishSkipsPersistenceWhenSampledOut(t *testing.T) {
	levels := stubLevels{
		level:  degrade.Normal,
		policy: degrade.Policy{MessageSampleRate: 1, PersistSampleRate: 0},
	}
	d, reg, store := newTestDispatcher(t, levels)
	alice := &fakeTransport{}
	reg.Connect(alice, "alice", "general")

	require.NoError(t, d.Publish(chat.Envelope{
		Type: chat.TypeChat, Room: "general", UserID: "alice", Content: "hi",
	}))

	// Delivery proceeds, storage is skipped.
	require.Eventually(t, func() bool {
		return alice.count() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.roomCount())
}

func TestBroadcastSystemReachesAllRooms(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, nil)
	alice := &fakeTransport{}
	eve := &fakeTransport{}
	reg.Connect(alice, "alice", "general")
	reg.Connect(eve, "eve", "random")

	d.BroadcastSystem("server restarting")

	require.Eventually(t, func() bool {
		return alice.count() == 1 && eve.count() == 1
	}, time.Second, 5*time.Millisecond)

	env := alice.envelopes(t)[0]
	assert.Equal(t, chat.TypeSystem, env.Type)
	assert.Equal(t, "server restarting", env.Content)
}

func TestLocalQueueDropSkipsPersistence(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg := registry.New(registry.Options{ShardCount: 8, ConnectionLimit: 100, NodeID: "test"}, log)
	// Router workers never started, so its single queue fills and the
	// second broadcast fails closed inside the dispatch worker.
	router := broadcast.NewRouter(reg, broadcast.Options{Queues: 1, QueueSize: 1, EnqueueTimeout: 10 * time.Millisecond}, log)
	store := &recordingStore{}
	d := New(Options{Workers: 1, QueueSize: 8, PublishTimeout: 50 * time.Millisecond}, router, reg, store, nil, nil, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})

	require.NoError(t, d.Publish(chat.Envelope{Type: chat.TypeChat, Room: "general", UserID: "alice", Content: "kept"}))
	require.NoError(t, d.Publish(chat.Envelope{Type: chat.TypeChat, Room: "general", UserID: "alice", Content: "dropped"}))

	require.Eventually(t, func() bool { return d.Depth() == 0 }, time.Second, 5*time.Millisecond)

	// Only the broadcast that reached the room queue is stored; the dropped
	// one leaves no trace downstream.
	require.Eventually(t, func() bool { return store.roomCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, store.roomCount())
	assert.Equal(t, 1, router.Depth())
}

func TestIngressFailsClosedWhenFull(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg := registry.New(registry.Options{ShardCount: 8, ConnectionLimit: 100, NodeID: "test"}, log)
	router := broadcast.NewRouter(reg, broadcast.Options{Queues: 1, QueueSize: 4}, log)
	// Workers never started: the ingress queue only fills.
	d := New(Options{Workers: 1, QueueSize: 2, PublishTimeout: 10 * time.Millisecond}, router, reg, &recordingStore{}, nil, nil, nil, log)

	require.NoError(t, d.Publish(chat.Envelope{Type: chat.TypeChat, Room: "r", Content: "a"}))
	require.NoError(t, d.Publish(chat.Envelope{Type: chat.TypeChat, Room: "r", Content: "b"}))
	err := d.Publish(chat.Envelope{Type: chat.TypeChat, Room: "r", Content: "c"})
	assert.ErrorIs(t, err, ErrIngressFull)
	assert.Equal(t, 2, d.Depth())
}
