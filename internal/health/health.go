package health

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chatmesh/chatmesh/internal/degrade"
	"github.com/chatmesh/chatmesh/internal/registry"
	"github.com/chatmesh/chatmesh/pkg/json"
	"github.com/chatmesh/chatmesh/pkg/lifecycle"
	redispkg "github.com/chatmesh/chatmesh/pkg/redis"
)

const (
	statusInterval = 10 * time.Second
	// statusTTL outlives two report intervals so a missed beat does not
	// drop the node from the cluster view.
	statusTTL = 30 * time.Second
)

// Status is the health snapshot served over HTTP and mirrored to the shared
// store for cluster visibility. degradation_level is the numeric ordinal
// (0..3); external health checks compare against it.
type Status struct {
	NodeID            string  `json:"node_id"`
	Healthy           bool    `json:"healthy"`
	DegradationLevel  int     `json:"degradation_level"`
	ActiveConnections int64   `json:"active_connections"`
	QueueDepth        int     `json:"queue_depth"`
	Timestamp         float64 `json:"timestamp"`
}

// DepthSource reports pending work, typically the dispatcher plus the
// broadcast router.
type DepthSource func() int

// Reporter computes Status on demand and periodically mirrors it to Redis
// under node:{id}:status when a shared store is configured.
type Reporter struct {
	nodeID string
	reg    *registry.Registry
	levels *degrade.Controller
	depth  DepthSource
	client *redispkg.Client
	log    *zap.Logger
	worker *lifecycle.BackgroundWorker
}

// NewReporter builds a health reporter. client may be nil in standalone mode;
// the HTTP endpoint still works, only the cluster mirror is skipped.
func NewReporter(nodeID string, reg *registry.Registry, levels *degrade.Controller, depth DepthSource, client *redispkg.Client, log *zap.Logger) *Reporter {
	r := &Reporter{
		nodeID: nodeID,
		reg:    reg,
		levels: levels,
		depth:  depth,
		client: client,
		log:    log.With(zap.String("module", "health")),
	}
	r.worker = lifecycle.NewBackgroundWorker("health-reporter", r.mirror, statusInterval, r.log)
	return r
}

// Status returns the current node health. The node reports unhealthy only at
// the severe degradation level; degraded-but-serving levels stay healthy so
// load balancers do not amplify an overload by draining the node.
func (r *Reporter) Status() Status {
	level := r.levels.Level()
	return Status{
		NodeID:            r.nodeID,
		Healthy:           level < degrade.Severe,
		DegradationLevel:  int(level),
		ActiveConnections: r.reg.ActiveConnections(),
		QueueDepth:        r.depth(),
		Timestamp:         float64(time.Now().UnixNano()) / 1e9,
	}
}

// Start launches the periodic cluster mirror. No-op without a shared store.
func (r *Reporter) Start(ctx context.Context) {
	if r.client == nil {
		return
	}
	_ = r.worker.Start(ctx)
}

// Stop halts the mirror worker.
func (r *Reporter) Stop(ctx context.Context) {
	if r.client == nil {
		return
	}
	_ = r.worker.Stop(ctx)
}

func (r *Reporter) mirror(ctx context.Context) error {
	data, err := json.Marshal(r.Status())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Set(ctx, "node:"+r.nodeID+":status", data, statusTTL).Err()
}

// Handler serves GET /healthz. Severe degradation returns 503 so upstream
// checks can route around the node.
func (r *Reporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		st := r.Status()
		w.Header().Set("Content-Type", "application/json")
		if !st.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(st); err != nil {
			r.log.Warn("failed to write health response", zap.Error(err))
		}
	})
}
