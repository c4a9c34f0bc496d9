package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"docforge/internal/api"
	"docforge/internal/billing"
	"docforge/internal/bulk"
	"docforge/internal/config"
	"docforge/internal/database"
	"docforge/internal/jobs"
	"docforge/internal/logging"
	"docforge/internal/render"
	"docforge/internal/storage"
	"docforge/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.Init(cfg.Log.Level, cfg.Log.Format)
	logger.Info("api bootstrapped",
		slog.String("db_host", cfg.Database.Host),
		slog.Int("db_port", cfg.Database.Port),
		slog.String("db_name", cfg.Database.Name),
	)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		fatal(logger, "init database", err)
	}
	if err := database.Migrate(db); err != nil {
		fatal(logger, "auto migrate", err)
	}
	logger.Info("database migrated")

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		fatal(logger, "init storage client", err)
	}
	logger.Info("storage client ready", slog.String("bucket", cfg.MinIO.Bucket))

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		// 队列不可用时批量任务在本进程内执行（若开启 local_fallback）。
		logger.Warn("redis unavailable", slog.String("addr", cfg.Redis.Addr()), slog.Any("error", err))
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()})
	defer asynqClient.Close()

	renderer := render.NewRenderer(render.NewLoader(storageClient, nil).AllowHosts(cfg.Render.ImageHosts...), logger)
	generator := render.NewGenerator(renderer, storageClient, render.NewGormEvents(db), logger)

	orchestrator := bulk.New(bulk.Deps{
		Store:      jobs.NewGormStore(db),
		Templates:  database.NewTemplates(db),
		Generator:  generator,
		Blobs:      storageClient,
		Billing:    billing.NewService(db),
		Dispatcher: bulk.NewAsynqDispatcher(asynqClient, cfg.Worker.Queue),
		Notifier:   worker.NewRedisNotifier(redisClient, logger),
		Logger:     logger,
	}, bulk.Options{
		BatchSize:      cfg.Bulk.BatchSize,
		RowConcurrency: cfg.Bulk.RowConcurrency,
		MaxRows:        cfg.Bulk.MaxRows,
		LocalFallback:  cfg.Bulk.LocalFallback,
		ResultTTL:      cfg.MinIO.PresignTTL,
	})

	var scanner api.Scanner
	if cfg.Clamd.Addr != "" {
		scanner = api.ClamdScanner{Addr: cfg.Clamd.Addr}
	}

	router := api.NewRouter(logger)
	api.RegisterRoutes(router, api.Deps{
		DB:              db,
		Blobs:           storageClient,
		Generator:       generator,
		Bulk:            orchestrator,
		Redis:           redisClient,
		Scanner:         scanner,
		Logger:          logger,
		MaxUploadBytes:  cfg.API.MaxUploadBytes,
		SubmitPerMinute: cfg.Bulk.SubmitPerMinute,
	})

	address := fmt.Sprintf(":%d", cfg.API.Port)
	logger.Info("api listening", slog.String("addr", address))
	if err := router.Run(address); err != nil {
		fatal(logger, "failed to start api server", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
