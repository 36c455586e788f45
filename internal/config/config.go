package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config carries all process configuration, sourced from the environment.
type Config struct {
	AppEnv  string
	AppName string
	NodeID  string

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	AppPort     string
	MetricsPort string
	LogLevel    string

	ConnectionLimit    int
	ShardCount         int
	BroadcastQueues    int
	BroadcastQueueSize int
	DispatchWorkers    int
	IngressQueueSize   int

	EnqueueTimeout  time.Duration
	PersistTimeout  time.Duration
	SampleInterval  time.Duration
	StaleSessionTTL time.Duration
	LockTTL         time.Duration
	ShutdownGrace   time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        os.Getenv("APP_ENV"),
		AppName:       os.Getenv("APP_NAME"),
		NodeID:        os.Getenv("NODE_ID"),
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     os.Getenv("REDIS_PORT"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		AppPort:       os.Getenv("APP_PORT"),
		MetricsPort:   os.Getenv("METRICS_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
	}

	if cfg.AppName == "" {
		cfg.AppName = "chatmesh"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}
	if cfg.AppPort == "" {
		cfg.AppPort = "8080"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = intEnv("REDIS_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.RedisMinIdleConns, err = intEnv("REDIS_MIN_IDLE_CONNS", 2); err != nil {
		return nil, err
	}
	if cfg.RedisMaxRetries, err = intEnv("REDIS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.ConnectionLimit, err = intEnv("MAX_CONNECTIONS", 100000); err != nil {
		return nil, err
	}
	if cfg.ShardCount, err = intEnv("CONNECTION_SHARDS", 64); err != nil {
		return nil, err
	}
	if cfg.BroadcastQueues, err = intEnv("BROADCAST_QUEUES", 16); err != nil {
		return nil, err
	}
	if cfg.BroadcastQueueSize, err = intEnv("BROADCAST_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.DispatchWorkers, err = intEnv("DISPATCH_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.IngressQueueSize, err = intEnv("INGRESS_QUEUE_SIZE", 4096); err != nil {
		return nil, err
	}
	if cfg.EnqueueTimeout, err = durationEnv("ENQUEUE_TIMEOUT", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.PersistTimeout, err = durationEnv("PERSIST_TIMEOUT", time.Second); err != nil {
		return nil, err
	}
	if cfg.SampleInterval, err = durationEnv("SAMPLE_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.StaleSessionTTL, err = durationEnv("STALE_SESSION_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = durationEnv("SHUTDOWN_GRACE", 10*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
