package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"portfolio-tasks/internal/beat"
	"portfolio-tasks/internal/config"
	"portfolio-tasks/internal/gateway"
	"portfolio-tasks/internal/logging"
	"portfolio-tasks/internal/queue"
	"portfolio-tasks/internal/registry"
	"portfolio-tasks/internal/storage"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, "beat")

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

	gw := gateway.New(reg, q, blobs, cfg.MaxPayloadBytes, logger)
	b := beat.New(gw, cfg.CleanupInterval, logger)

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("beat stopped", "error", err)
	}
}
