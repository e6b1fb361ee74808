package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"portfolio-tasks/internal/api"
	"portfolio-tasks/internal/config"
	"portfolio-tasks/internal/gateway"
	"portfolio-tasks/internal/logging"
	"portfolio-tasks/internal/queue"
	"portfolio-tasks/internal/ratelimit"
	"portfolio-tasks/internal/registry"
	"portfolio-tasks/internal/storage"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, "api")

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
	reporter := gateway.NewReporter(reg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, gw, reporter, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
