package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/api"
	"chat-delivery-pipeline/internal/app"
	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/logging"
	"chat-delivery-pipeline/internal/ratelimit"
	"chat-delivery-pipeline/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()

	limiter := ratelimit.NewTokenBucket(a.Redis, cfg.Notify.TriggerRateCapacity, cfg.Notify.TriggerRateRefill, time.Hour)
	server := api.New(a.Messages, a.Presence, a.Notify, a.Runtime, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.API.ReadTimeout,
		ReadTimeout:       cfg.API.ReadTimeout,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	err = supervisor.NewHTTPServer("api", httpServer, cfg.API.ShutdownTimeout).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api stopped", zap.Error(err))
	}
}
