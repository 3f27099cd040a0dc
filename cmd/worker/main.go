package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/dunamismax/avatarflow/internal/logging"
	"github.com/dunamismax/avatarflow/internal/pipeline"
	"github.com/dunamismax/avatarflow/internal/storage"
	"github.com/dunamismax/avatarflow/internal/store"
	"github.com/dunamismax/avatarflow/internal/telemetry"
	"github.com/dunamismax/avatarflow/internal/webhook"
	"github.com/dunamismax/avatarflow/internal/worker"
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
	logger = logger.Named("worker")
	defer logging.Sync(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, "worker", logger)
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

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr))

	metrics := worker.NewMetrics()
	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	redisClient := redis.NewClient(cfg.Queue.RedisOptions())
	defer redisClient.Close()

	deps := worker.Dependencies{
		Webhook: webhook.NewClient(cfg.Webhook),
		Metrics: metrics,
	}

	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		deps.Jobs = pg
	} else {
		logger.Warn("POSTGRES_DSN not set, job status updates are skipped")
	}

	storageClient, err := storage.NewClient(cfg.Storage)
	if err != nil {
		logger.Warn("object storage disabled, only local_file jobs will run", zap.Error(err))
	} else {
		deps.Storage = storageClient
	}

	segmenter, err := pipeline.NewSegmenterFromConfig(cfg.Segmenter, redisClient, logger.Named("segmenter"))
	if err != nil {
		return err
	}
	opts := append(pipeline.OptionsFromConfig(cfg.Pipeline),
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithObserver(pipeline.LogObserver(logger.Named("pipeline"))),
		pipeline.WithObserver(pipeline.NewMetricsObserver(metrics.Registry())),
	)
	deps.Pipeline = pipeline.New(segmenter, opts...)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, deps)
	if err != nil {
		return err
	}
	return srv.Run()
}

func metricsMux(metrics *worker.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
