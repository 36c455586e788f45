package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ActiveConnections tracks the number of live sessions in the registry.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Number of live chat sessions",
		},
	)

	// DegradationLevel exposes the current process-wide degradation level.
	DegradationLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_degradation_level",
			Help: "Current degradation level (0=normal, 3=severe)",
		},
	)

	// AdmissionDecisions counts connection admission outcomes by reason.
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_admission_decisions_total",
			Help: "Connection admission decisions by reason",
		},
		[]string{"reason"},
	)

	// BroadcastsDelivered counts payloads delivered to individual sessions.
	BroadcastsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broadcasts_delivered_total",
			Help: "Broadcast payloads delivered to sessions",
		},
	)

	// BroadcastsDropped counts broadcast tasks dropped before delivery.
	BroadcastsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broadcasts_dropped_total",
			Help: "Broadcast tasks dropped before delivery, by cause",
		},
		[]string{"cause"},
	)

	// QueueDepth tracks the combined depth of the ingress and broadcast queues.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_queue_depth",
			Help: "Depth of internal message queues",
		},
		[]string{"queue"},
	)

	// LockAcquisitions counts distributed lock acquire outcomes.
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_lock_acquisitions_total",
			Help: "Distributed lock acquire outcomes",
		},
		[]string{"outcome"},
	)

	// ClusterMessages counts envelopes relayed over the cluster channel.
	ClusterMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_cluster_messages_total",
			Help: "Envelopes published/received on the cluster channel",
		},
		[]string{"direction"},
	)
)

// Register registers all chat metrics with the default registry.
func Register() {
	prometheus.MustRegister(
		ActiveConnections,
		DegradationLevel,
		AdmissionDecisions,
		BroadcastsDelivered,
		BroadcastsDropped,
		QueueDepth,
		LockAcquisitions,
		ClusterMessages,
	)
}

// Serve starts the metrics HTTP server on the given address.
func Serve(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	return srv
}
