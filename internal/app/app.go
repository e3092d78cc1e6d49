// Package app assembles the pipeline's components from configuration. The API, the
// worker and dlqctl all build on it and differ only in which roles they run.
package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/archive"
	"chat-delivery-pipeline/internal/cache"
	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/messaging"
	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/notify"
	"chat-delivery-pipeline/internal/presence"
	"chat-delivery-pipeline/internal/queue"
	"chat-delivery-pipeline/internal/store"
	"chat-delivery-pipeline/internal/supervisor"
	"chat-delivery-pipeline/internal/worker"
)

// Task types served by the generic task queue.
const (
	TaskPresenceSweep = "presence.sweep"
	TaskTokenCleanup  = "tokens.cleanup"
)

type App struct {
	Config   config.Config
	Log      *zap.Logger
	Redis    *redis.Client
	Store    *store.Store
	Cache    *cache.Cache
	Runtime  *worker.Runtime
	Messages *messaging.Service
	Presence *presence.Service
	Notify   *notify.Dispatcher
	Tasks    *worker.TaskRouter
}

// New connects to Postgres and Redis, runs migrations when enabled and builds every service.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.RunMigrations {
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	client := queue.NewClient(cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	archiver, err := archive.New(ctx, cfg.Archive, st, log)
	if err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}

	rt := worker.NewRuntime(queue.NewRedisQueue(client, cfg.Queue), log, archiver)
	c := cache.New(client, cfg.Presence.CacheTTL)
	notifyBackoff := models.BackoffPolicy{Type: models.BackoffExponential, Delay: cfg.Queue.BackoffInitial, Max: cfg.Queue.BackoffMax}

	a := &App{
		Config:   cfg,
		Log:      log,
		Redis:    client,
		Store:    st,
		Cache:    c,
		Runtime:  rt,
		Messages: messaging.NewService(rt, st, c, cfg.Message, cfg.Receipt, log),
		Presence: presence.NewService(rt, st, c, cfg.Presence, log),
		Notify:   notify.NewDispatcher(rt, st, notify.Providers(cfg.Notify, log), cfg.Notify, cfg.Breaker, notifyBackoff, log),
		Tasks:    worker.NewTaskRouter(),
	}
	a.registerTasks()
	return a, nil
}

func (a *App) registerTasks() {
	a.Tasks.RegisterHandler(messaging.ReconcileTask, a.Messages.HandleReconcileTask)
	a.Tasks.RegisterHandler(TaskPresenceSweep, func(ctx context.Context, _ models.Job, _ json.RawMessage) error {
		_, err := a.Presence.SweepStale(ctx)
		return err
	})
	a.Tasks.RegisterHandler(TaskTokenCleanup, func(ctx context.Context, _ models.Job, _ json.RawMessage) error {
		_, err := a.Notify.CleanupStaleTokens(ctx)
		return err
	})
}

// TaskOptions is the retry policy of generic tasks.
func TaskOptions(cfg config.QueueConfig) worker.EnqueueOptions {
	return worker.EnqueueOptions{
		MaxAttempts: cfg.TaskMaxAttempts,
		Backoff: models.BackoffPolicy{
			Type:  models.BackoffExponential,
			Delay: cfg.BackoffInitial,
			Max:   cfg.BackoffMax,
		},
	}
}

// Consumers registers and returns the polling loop of every queue.
func (a *App) Consumers() []supervisor.Role {
	var roles []supervisor.Role
	for _, c := range a.Messages.Register() {
		roles = append(roles, c)
	}
	roles = append(roles,
		a.Presence.Register(),
		a.Notify.Register(),
		a.Runtime.Process(worker.TaskQueue, a.Tasks.Handle, worker.Policy{PollInterval: a.Config.Queue.TaskPollInterval}),
	)
	return roles
}

// Sweeps returns the periodic roles. The DLQ sweep runs inline; the presence and token
// sweeps go through the task queue so a failing run is retried with backoff.
func (a *App) Sweeps() []supervisor.Role {
	enqueue := func(taskType string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := a.Runtime.EnqueueTask(ctx, taskType, struct{}{}, TaskOptions(a.Config.Queue))
			return err
		}
	}
	return []supervisor.Role{
		supervisor.Every("dlq-sweep", a.Config.Queue.DLQSweepInterval, func(ctx context.Context) error {
			_, err := a.Runtime.SweepDeadLetters(ctx)
			return err
		}, a.Log),
		supervisor.Every("presence-sweep", a.Config.Presence.SweepInterval, enqueue(TaskPresenceSweep), a.Log),
		supervisor.Every("token-cleanup", a.Config.Notify.CleanupInterval, enqueue(TaskTokenCleanup), a.Log),
	}
}

// Close releases the Redis client and the Postgres pool.
func (a *App) Close() error {
	a.Store.Close()
	return a.Redis.Close()
}
