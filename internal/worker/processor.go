package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/queue"
	"chat-delivery-pipeline/internal/telemetry"
)

// Consumer drives the polling loop of one queue.
type Consumer struct {
	runtime *Runtime
	queue   string
	policy  Policy
	handle  BatchHandler
}

// Name identifies the consumer to the supervisor.
func (c *Consumer) Name() string {
	return "consumer:" + c.queue
}

// Run polls the queue every PollInterval, draining it on each tick, until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log := c.runtime.log.With(zap.String("queue", c.queue))
	log.Info("consumer started", zap.Duration("poll_interval", c.policy.PollInterval), zap.Int("batch_size", c.policy.BatchSize))

	ticker := time.NewTicker(c.policy.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Warn("consumer tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("consumer stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick moves due and expired jobs back to the ready list, then processes the jobs
// that were ready at that point in batches. It returns the number of jobs handled.
func (c *Consumer) Tick(ctx context.Context) (int, error) {
	q := c.runtime.queue
	now := time.Now()

	if _, err := q.PromoteScheduled(ctx, c.queue, now, c.policy.ScheduledBatchSize); err != nil {
		return 0, err
	}
	reclaimed, err := q.RequeueExpired(ctx, c.queue, now, c.policy.ScheduledBatchSize)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		telemetry.LeasesReclaimed.WithLabelValues(c.queue).Add(float64(reclaimed))
		c.runtime.log.Warn("reclaimed expired leases", zap.String("queue", c.queue), zap.Int("count", reclaimed))
	}
	// Jobs requeued during this tick wait for the next one, so a failing job with no
	// backoff cannot spin the loop.
	budget := c.policy.BatchSize
	if st, err := q.Stats(ctx, c.queue); err == nil {
		telemetry.QueueDepthGauge.WithLabelValues(c.queue).Set(float64(st.Ready))
		telemetry.InFlightGauge.WithLabelValues(c.queue).Set(float64(st.InFlight))
		budget = int(st.Ready)
	}

	handled := 0
	for handled < budget && ctx.Err() == nil {
		jobs, err := q.Dequeue(ctx, c.queue, min(c.policy.BatchSize, budget-handled))
		if err != nil {
			return handled, err
		}
		if len(jobs) == 0 {
			return handled, nil
		}
		stop := c.heartbeat(ctx, jobs)
		errs := c.handle(ctx, jobs)
		stop()
		for i, job := range jobs {
			c.runtime.settle(ctx, job, errs[i])
		}
		handled += len(jobs)
	}
	return handled, nil
}

// heartbeat extends the leases of jobs every half visibility timeout while their handler
// runs, so a slow handler is not reclaimed and run a second time elsewhere. The returned
// func stops it and waits for the last extension to finish.
func (c *Consumer) heartbeat(ctx context.Context, jobs []models.Job) (stop func()) {
	interval := c.runtime.queue.VisibilityTimeout() / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		live := append([]models.Job(nil), jobs...)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			kept := live[:0]
			for _, job := range live {
				err := c.runtime.queue.ExtendLease(ctx, job)
				switch {
				case errors.Is(err, queue.ErrLeaseLost):
					c.runtime.log.Warn("lease lost while handling job", zap.String("job_id", job.ID), zap.String("queue", job.Queue))
					continue
				case err != nil:
					c.runtime.log.Warn("extend lease", zap.String("job_id", job.ID), zap.String("queue", job.Queue), zap.Error(err))
				}
				kept = append(kept, job)
			}
			live = kept
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
