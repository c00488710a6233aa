package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"experiment-scheduler/internal/config"
	"experiment-scheduler/internal/dispatch"
	"experiment-scheduler/internal/heartbeat"
	"experiment-scheduler/internal/logging"
	"experiment-scheduler/internal/logstore"
	"experiment-scheduler/internal/scheduler"
	"experiment-scheduler/internal/store"
	"experiment-scheduler/internal/telemetry"
	"experiment-scheduler/internal/ttl"
	"experiment-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	gateway := dispatch.New(cfg, logger)
	defer gateway.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	archiver, err := logstore.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init log archiver", zap.Error(err))
	}

	backend := scheduler.NewLogBackend(logger)
	consumer := worker.NewConsumer(cfg, gateway, st, backend, archiver, logger)
	monitor := worker.NewMonitor(cfg, st,
		heartbeat.New(redisClient, cfg.HeartbeatTTL),
		ttl.New(redisClient),
		gateway,
		logger)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker started",
			zap.Duration("visibility", cfg.VisibilityTimeout),
			zap.Duration("backoff_initial", cfg.BackoffInitial))
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return monitor.Run(ctx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return metricsServer.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
