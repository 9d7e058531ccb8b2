// Package main provides the pool manager entry point: the account pool,
// the shared token bucket limiter, the health probe loop, and the ops API
// in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harvest-pool/internal/api"
	"github.com/harvest-pool/internal/audit"
	"github.com/harvest-pool/internal/checkpoint"
	"github.com/harvest-pool/internal/circuitbreaker"
	"github.com/harvest-pool/internal/config"
	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/pool"
	"github.com/harvest-pool/internal/probe"
	"github.com/harvest-pool/internal/ratelimit"
	"github.com/harvest-pool/internal/retry"
	"github.com/harvest-pool/internal/storage"
)

func main() {
	fmt.Println("Harvest Pool Manager")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Initialize store connections
	logger.Info("Connecting to stores...")

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer startupCancel()

	// Connect to Postgres. Retried because the row store commonly comes up
	// alongside this process.
	var postgres *storage.PostgresDB
	err = retry.Do(startupCtx, func(ctx context.Context, attempt int) error {
		var connErr error
		postgres, connErr = storage.NewPostgresDB(&cfg.Database.Postgres)
		return connErr
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis
	var redisStore *storage.RedisStore
	err = retry.Do(startupCtx, func(ctx context.Context, attempt int) error {
		var connErr error
		redisStore, connErr = storage.NewRedisStore(&cfg.Database.Redis)
		return connErr
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisStore.Close()

	// Connect to ClickHouse when the audit sink is enabled. The pool runs
	// fine without it; transitions are just not recorded.
	var clickhouse *storage.ClickHouseDB
	var eventRepo *storage.EventRepository
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to ClickHouse, audit trail disabled")
		} else {
			defer clickhouse.Close()
			eventRepo = storage.NewEventRepository(clickhouse)
		}
	}

	logger.Info("Store connections established")

	// Initialize repositories
	accountRepo := storage.NewAccountRepository(postgres)
	proxyRepo := storage.NewProxyRepository(postgres)
	checkpointRepo := storage.NewCheckpointRepository(postgres)

	// Initialize the audit recorder when an event sink is available
	var recorder *audit.Recorder
	if eventRepo != nil {
		recorder, err = audit.NewRecorder(&audit.RecorderConfig{Sink: eventRepo})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create audit recorder")
		}
	}

	// Initialize pools
	proxyPool, err := pool.NewProxyPool(&pool.ProxyPoolConfig{
		Proxies:       proxyRepo,
		MaxFailStreak: cfg.Pool.ProxyFailStreak,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create proxy pool")
	}

	accountPool, err := pool.NewAccountPool(&pool.AccountPoolConfig{
		Accounts:        accountRepo,
		Proxies:         proxyPool,
		Recorder:        recorder,
		CooldownBad:     cfg.Pool.CooldownBad,
		QuarantineFails: cfg.Pool.QuarantineFails,
		LeaseTTL:        cfg.Pool.LeaseTTL,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create account pool")
	}

	// Initialize the token bucket limiter
	limiter, err := ratelimit.NewTokenBucketLimiter(&ratelimit.TokenBucketLimiterConfig{
		Redis:        redisStore.Client(),
		PollInterval: cfg.RateLimit.AcquirePollInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token bucket limiter")
	}

	checkpointer := checkpoint.NewCheckpointer(checkpointRepo)

	logger.Info("Pools initialized")

	// Root context for background loops
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if recorder != nil {
		recorder.Start()
		defer recorder.Stop()
	}

	heavy := probe.HeavyBucket{
		Name:       cfg.RateLimit.HeavyBucketName,
		Capacity:   cfg.RateLimit.HeavyBucketCapacity,
		RefillRate: cfg.RateLimit.HeavyBucketRefillRate,
	}

	// Start the probe loop. It owns the heavy bucket declaration; when the
	// loop is disabled the bucket is declared directly instead.
	var probeManager *probe.Manager
	if cfg.Probe.Enabled && cfg.Probe.URL != "" {
		prober, err := probe.NewHTTPProber(cfg.Probe.URL, cfg.Probe.Timeout)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create prober")
		}

		probeManager, err = probe.NewManager(&probe.ManagerConfig{
			Pool:         accountPool,
			Prober:       prober,
			Limiter:      limiter,
			Heavy:        heavy,
			Recorder:     recorder,
			Breaker:      circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("probe-endpoint")),
			Interval:     cfg.Probe.Interval,
			Concurrency:  cfg.Probe.Concurrency,
			CooldownRate: cfg.Pool.CooldownRate,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create probe manager")
		}

		probeManager.Start(runCtx)
		defer probeManager.Stop()

		logger.WithFields(map[string]interface{}{
			"interval": cfg.Probe.Interval.String(),
			"url":      cfg.Probe.URL,
		}).Info("Health probe started")
	} else {
		if err := limiter.EnsureBucket(runCtx, heavy.Name, heavy.Capacity, heavy.RefillRate); err != nil {
			logger.WithError(err).Warn("Failed to declare heavy bucket")
		}
		logger.Info("Health probe disabled")
	}

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		ClientRPS:       cfg.Server.RPS,
		HeavyBucketName: cfg.RateLimit.HeavyBucketName,
	}

	server := api.NewServer(serverConfig, accountPool, limiter, checkpointer, eventRepo)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop background loops before the API so in-flight probe releases
	// still land in the store.
	runCancel()

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
