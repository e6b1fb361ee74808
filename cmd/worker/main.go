package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"portfolio-tasks/internal/config"
	"portfolio-tasks/internal/experiment"
	"portfolio-tasks/internal/logging"
	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/queue"
	"portfolio-tasks/internal/ragindex"
	"portfolio-tasks/internal/registry"
	"portfolio-tasks/internal/storage"
	"portfolio-tasks/internal/telemetry"
	"portfolio-tasks/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	reg, err := registry.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer reg.Close()
	if err := reg.Migrate(ctx); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}

	runs := experiment.NewPostgres(reg.Pool(), logger)
	if err := runs.Migrate(ctx); err != nil {
		logger.Error("migrate experiment runs", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(redisClient, cfg.VisibilityTimeout)

	blobs, err := storage.FromConfig(ctx, cfg)
	if err != nil {
		logger.Error("init storage", "error", err)
		os.Exit(1)
	}

	index, err := ragindex.Open(cfg.RAGIndexDir)
	if err != nil {
		logger.Error("open rag index", "error", err)
		os.Exit(1)
	}
	defer index.Close()
	if _, err := os.Stat(cfg.RAGDocsDir); err == nil {
		n, err := index.IndexDocuments(cfg.RAGDocsDir)
		if err != nil {
			logger.Error("index documents", "error", err)
			os.Exit(1)
		}
		logger.Info("documents indexed", "passages", n, "dir", cfg.RAGDocsDir)
	} else {
		logger.Warn("rag docs dir missing, serving existing index", "dir", cfg.RAGDocsDir)
	}

	pool := worker.NewPool(cfg, q, reg, logger)
	pool.Register(models.KindImageProcessing, worker.NewImageExecutor(blobs, runs, 1024))
	pool.Register(models.KindRAGQuery, worker.NewRAGExecutor(blobs, index, runs, 3))
	pool.Register(models.KindCleanup, worker.NewCleanupExecutor(reg, blobs, cfg.Retention, logger))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "workers", cfg.WorkerCount,
		"visibility", cfg.VisibilityTimeout, "max_retries", cfg.MaxRetries)
	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", "error", err)
	}
}
