package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"docforge/internal/billing"
	"docforge/internal/bulk"
	"docforge/internal/config"
	"docforge/internal/database"
	"docforge/internal/jobs"
	"docforge/internal/logging"
	"docforge/internal/metrics"
	"docforge/internal/render"
	"docforge/internal/storage"
	"docforge/internal/tasks"
	"docforge/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.Init(cfg.Log.Level, cfg.Log.Format)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		fatal(logger, "init database", err)
	}
	logger.Info("database connection ready for worker")

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		fatal(logger, "init storage client", err)
	}
	logger.Info("storage client ready", slog.String("bucket", cfg.MinIO.Bucket))

	redisAddr := cfg.Redis.Addr()
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		fatal(logger, "ping redis", err)
	}

	renderer := render.NewRenderer(render.NewLoader(storageClient, nil).AllowHosts(cfg.Render.ImageHosts...), logger)
	generator := render.NewGenerator(renderer, storageClient, render.NewGormEvents(db), logger)

	// worker 只消费批次，不再派发，所以不配置 Dispatcher。
	orchestrator := bulk.New(bulk.Deps{
		Store:     jobs.NewGormStore(db),
		Templates: database.NewTemplates(db),
		Generator: generator,
		Blobs:     storageClient,
		Billing:   billing.NewService(db),
		Notifier:  worker.NewRedisNotifier(redisClient, logger),
		Logger:    logger,
	}, bulk.Options{
		BatchSize:      cfg.Bulk.BatchSize,
		RowConcurrency: cfg.Bulk.RowConcurrency,
		MaxRows:        cfg.Bulk.MaxRows,
		ResultTTL:      cfg.MinIO.PresignTTL,
	})

	if cfg.Worker.MetricsPort > 0 {
		go serveMetrics(logger, cfg.Worker.MetricsPort)
	}

	server := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{cfg.Worker.Queue: 1},
		Logger:      logging.NewAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypeBulkBatch, worker.NewBulkBatchHandler(orchestrator, logger))

	if err := server.Start(mux); err != nil {
		fatal(logger, "start worker server", err)
	}
	logger.Info("worker service started",
		slog.String("redis_addr", redisAddr),
		slog.String("queue", cfg.Worker.Queue),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("worker shutting down")
	server.Shutdown()
}

func serveMetrics(logger *slog.Logger, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("worker metrics listening", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("worker metrics server stopped", slog.Any("error", err))
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
