package health

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatmesh/chatmesh/internal/degrade"
	"github.com/chatmesh/chatmesh/internal/monitor"
	"github.com/chatmesh/chatmesh/internal/registry"
	"github.com/chatmesh/chatmesh/pkg/json"
)

type stubSource struct {
	snap monitor.Snapshot
}

func (s *stubSource) Snapshot(context.Context) (monitor.Snapshot, error) {
	return s.snap, nil
}

type noopTransport struct{}

func (noopTransport) Send([]byte) error { return nil }
func (noopTransport) Close() error      { return nil }

func newTestReporter(t *testing.T) (*Reporter, *registry.Registry, *stubSource, *degrade.Controller) {
	t.Helper()
	log := zaptest.NewLogger(t)
	src := &stubSource{}
	controller := degrade.NewController(src, time.Second, log)
	reg := registry.New(registry.Options{ShardCount: 8, ConnectionLimit: 100, NodeID: "node-a"}, log)
	r := NewReporter("node-a", reg, controller, func() int { return 7 }, nil, log)
	return r, reg, src, controller
}

func TestStatusReflectsState(t *testing.T) {
	r, reg, _, _ := newTestReporter(t)
	reg.Connect(noopTransport{}, "alice", "general")
	reg.Connect(noopTransport{}, "bob", "general")

	st := r.Status()
	assert.Equal(t, "node-a", st.NodeID)
	assert.True(t, st.Healthy)
	assert.Equal(t, int(degrade.Normal), st.DegradationLevel)
	assert.Equal(t, int64(2), st.ActiveConnections)
	assert.Equal(t, 7, st.QueueDepth)
	assert.Greater(t, st.Timestamp, 0.0)
}

func TestStatusWireShapeIsNumericLevel(t *testing.T) {
	r, _, src, controller := newTestReporter(t)
	src.snap = monitor.Snapshot{CPUPct: 86}
	require.NoError(t, controller.Tick(context.Background()))

	data, err := json.Marshal(r.Status())
	require.NoError(t, err)

	// External checks parse the level as an integer ordinal, never a name.
	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	lvl, ok := wire["degradation_level"].(float64)
	require.True(t, ok, "degradation_level must be numeric, got %T", wire["degradation_level"])
	assert.Equal(t, float64(degrade.Light), lvl)
	assert.GreaterOrEqual(t, lvl, 0.0)
	assert.LessOrEqual(t, lvl, 3.0)
}

func TestStatusUnhealthyAtSevere(t *testing.T) {
	r, _, src, controller := newTestReporter(t)

	src.snap = monitor.Snapshot{CPUPct: 96}
	require.NoError(t, controller.Tick(context.Background()))

	st := r.Status()
	assert.False(t, st.Healthy)
	assert.Equal(t, int(degrade.Severe), st.DegradationLevel)
}

func TestHandlerStatusCodes(t *testing.T) {
	r, _, src, controller := newTestReporter(t)
	handler := r.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "node-a", st.NodeID)

	src.snap = monitor.Snapshot{CPUPct: 96}
	require.NoError(t, controller.Tick(context.Background()))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}
