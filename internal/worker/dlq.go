package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/queue"
	"chat-delivery-pipeline/internal/telemetry"
)

// SweepDeadLetters re-enqueues every entry present in the DLQ when the sweep starts,
// once, onto its original queue. Replayed jobs get a single attempt; if that fails
// they are archived instead of dead-lettered again.
func (r *Runtime) SweepDeadLetters(ctx context.Context) (int, error) {
	n, err := r.queue.DLQLen(ctx)
	if err != nil {
		return 0, fmt.Errorf("dlq length: %w", err)
	}
	replayed := 0
	for i := int64(0); i < n; i++ {
		entry, ok, err := r.queue.DLQPop(ctx)
		var unreadable *queue.UnreadableEntryError
		if errors.As(err, &unreadable) {
			r.log.Error("drop unreadable dlq entry", zap.ByteString("raw", unreadable.Raw), zap.Error(unreadable.Err))
			continue
		}
		if err != nil {
			return replayed, fmt.Errorf("dlq pop: %w", err)
		}
		if !ok {
			break
		}
		job := models.Job{
			ID:          entry.JobID,
			Queue:       entry.Queue,
			Payload:     entry.Payload,
			MaxAttempts: 1,
			Backoff:     models.BackoffPolicy{Type: models.BackoffNone},
			EnqueuedAt:  time.Now().UTC(),
			Replayed:    true,
		}
		if err := r.queue.Enqueue(ctx, job, time.Now()); err != nil {
			if pushErr := r.queue.DLQPush(ctx, entry); pushErr != nil {
				r.log.Error("lost dlq entry during replay", zap.String("job_id", entry.JobID), zap.ByteString("payload", entry.Payload), zap.Error(pushErr))
			}
			return replayed, fmt.Errorf("replay %s: %w", entry.JobID, err)
		}
		replayed++
		telemetry.DLQReplayed.Inc()
	}
	if replayed > 0 {
		r.log.Info("dlq sweep replayed jobs", zap.Int("count", replayed))
	}
	if depth, err := r.queue.DLQLen(ctx); err == nil {
		telemetry.DLQDepthGauge.Set(float64(depth))
	}
	return replayed, nil
}

// Job returns the stored record of a job. Completed jobs are gone and report
// queue.ErrJobNotFound.
func (r *Runtime) Job(ctx context.Context, id string) (models.Job, error) {
	return r.queue.GetJob(ctx, id)
}

// DeadLetters returns up to n entries from the head of the DLQ for inspection.
func (r *Runtime) DeadLetters(ctx context.Context, n int64) ([]models.DeadLetter, error) {
	return r.queue.DLQPeek(ctx, n)
}
