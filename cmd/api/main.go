package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/avatarflow/internal/api"
	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/logging"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/queue"
	"github.com/dunamismax/avatarflow/internal/ratelimit"
	"github.com/dunamismax/avatarflow/internal/storage"
	"github.com/dunamismax/avatarflow/internal/store"
	"github.com/dunamismax/avatarflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	logger = logger.Named("api")
	defer logging.Sync(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, "api", logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	redisClient := redis.NewClient(cfg.Queue.RedisOptions())
	defer redisClient.Close()

	queueClient := queue.NewClient(cfg.Queue)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()

	jobStore, closeStore, err := openJobStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deps := api.Dependencies{
		Queue:   queueClient,
		Jobs:    jobStore,
		Metrics: api.NewMetrics(),
	}

	storageClient, err := storage.NewClient(cfg.Storage)
	if err != nil {
		logger.Warn("object storage disabled", zap.Error(err))
	} else if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Warn("object storage unreachable, presigned jobs disabled", zap.Error(err))
	} else {
		deps.Storage = storageClient
	}

	if cfg.API.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.API.RateLimit.Requests, cfg.API.RateLimit.Window, "")
		if err != nil {
			return err
		}
		deps.RateLimiter = limiter
	}

	segmenter, err := pipeline.NewSegmenterFromConfig(cfg.Segmenter, redisClient, logger.Named("segmenter"))
	if err != nil {
		return err
	}
	opts := append(pipeline.OptionsFromConfig(cfg.Pipeline),
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithObserver(pipeline.LogObserver(logger.Named("pipeline"))),
		pipeline.WithObserver(pipeline.NewMetricsObserver(deps.Metrics.Registry())),
	)
	deps.Pipeline = pipeline.New(segmenter, opts...)

	app, err := api.NewServer(logger, cfg.API, cfg.Pipeline, deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.API.PrepareTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

func openJobStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.JobStore, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, jobs are kept in memory")
		return store.NewMemoryJobStore(), func() {}, nil
	}
	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

