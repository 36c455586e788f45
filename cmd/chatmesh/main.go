package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatmesh/chatmesh/internal/broadcast"
	"github.com/chatmesh/chatmesh/internal/cluster"
	"github.com/chatmesh/chatmesh/internal/config"
	"github.com/chatmesh/chatmesh/internal/degrade"
	"github.com/chatmesh/chatmesh/internal/dispatch"
	"github.com/chatmesh/chatmesh/internal/health"
	"github.com/chatmesh/chatmesh/internal/monitor"
	"github.com/chatmesh/chatmesh/internal/persist"
	"github.com/chatmesh/chatmesh/internal/registry"
	"github.com/chatmesh/chatmesh/internal/transport"
	"github.com/chatmesh/chatmesh/pkg/dlock"
	"github.com/chatmesh/chatmesh/pkg/lifecycle"
	"github.com/chatmesh/chatmesh/pkg/logger"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	redispkg "github.com/chatmesh/chatmesh/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
		NodeID:      cfg.NodeID,
	})
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is optional. Without it the node runs standalone: no cluster
	// relay, no persistence, no presence mirror.
	var rdb *redispkg.Client
	if cfg.RedisHost != "" {
		client, err := redispkg.NewClient(redispkg.Config{
			Host:         cfg.RedisHost,
			Port:         cfg.RedisPort,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.RedisPoolSize,
			MinIdleConns: cfg.RedisMinIdleConns,
			MaxRetries:   cfg.RedisMaxRetries,
		}, log)
		if err != nil {
			log.Warn("shared store unreachable, running standalone", zap.Error(err))
		} else {
			rdb = client
			defer func() { _ = rdb.Close() }()
		}
	} else {
		log.Info("no REDIS_HOST configured, running standalone")
	}

	// The depth source closes over the router and dispatcher, which are
	// constructed after the monitor. Reads before Start see zero depth.
	var (
		router *broadcast.Router
		disp   *dispatch.Dispatcher
	)
	queueDepth := func() int {
		total := 0
		if router != nil {
			total += router.Depth()
		}
		if disp != nil {
			total += disp.Depth()
		}
		return total
	}

	mon := monitor.New(queueDepth)
	controller := degrade.NewController(mon, cfg.SampleInterval, log)

	reg := registry.New(registry.Options{
		ShardCount:      cfg.ShardCount,
		ConnectionLimit: cfg.ConnectionLimit,
		NodeID:          cfg.NodeID,
		Levels:          controller,
		Redis:           rdb,
	}, log)

	router = broadcast.NewRouter(reg, broadcast.Options{
		Queues:         cfg.BroadcastQueues,
		QueueSize:      cfg.BroadcastQueueSize,
		EnqueueTimeout: cfg.EnqueueTimeout,
	}, log)

	var store persist.Store = persist.Noop{}
	if rdb != nil {
		store = persist.NewRedisStore(rdb, log)
	}

	clusterSync := cluster.New(rdb, cfg.NodeID, router, reg, log)

	var leases dlock.LeaseStore = dlock.NewMemoryStore()
	if rdb != nil {
		leases = dlock.NewRedisStore(rdb)
	}
	janitor := cluster.NewJanitor(rdb, cfg.NodeID, leases, log)

	disp = dispatch.New(dispatch.Options{
		Workers:        cfg.DispatchWorkers,
		QueueSize:      cfg.IngressQueueSize,
		PublishTimeout: cfg.EnqueueTimeout,
		PersistTimeout: cfg.PersistTimeout,
		NodeID:         cfg.NodeID,
	}, router, reg, store, clusterSync, controller, mon, log)

	reporter := health.NewReporter(cfg.NodeID, reg, controller, queueDepth, rdb, log)

	sweeper := lifecycle.NewBackgroundWorker("stale-session-sweeper", func(context.Context) error {
		if n := reg.SweepStale(cfg.StaleSessionTTL); n > 0 {
			log.Info("swept stale sessions", zap.Int("count", n))
		}
		return nil
	}, cfg.StaleSessionTTL/2, log)

	// Workers get their own context so they keep delivering through the
	// drain phase of shutdown, after the signal context is already done.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if err := controller.Start(workerCtx); err != nil {
		return err
	}
	router.Start(workerCtx)
	disp.Start(workerCtx)
	reporter.Start(workerCtx)
	janitor.Start(workerCtx)
	_ = sweeper.Start(workerCtx)

	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewHandler(reg, disp, log))
	mux.Handle("/healthz", reporter.Handler())
	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := metrics.Serve(":"+cfg.MetricsPort, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return clusterSync.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()

		// Graceful stop: stop accepting, announce, drain the queues while
		// the workers are still running, then stop workers and close every
		// session within the grace window.
		log.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		_ = srv.Shutdown(sctx)
		disp.BroadcastSystem("server is shutting down")
		router.Drain(sctx)

		workerCancel()
		reg.CloseAll(sctx)

		reporter.Stop(sctx)
		janitor.Stop(sctx)
		_ = sweeper.Stop(sctx)
		_ = controller.Stop(sctx)
		_ = metricsSrv.Shutdown(sctx)
		log.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
