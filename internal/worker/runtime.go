package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/queue"
	"chat-delivery-pipeline/internal/telemetry"
)

// Handler executes one job. A nil return completes the job.
type Handler func(ctx context.Context, job models.Job) error

// BatchHandler executes a batch of jobs and returns one error slot per job, in order.
type BatchHandler func(ctx context.Context, jobs []models.Job) []error

// Policy is the consumer-side configuration of one queue.
type Policy struct {
	BatchSize    int
	PollInterval time.Duration
	// ScheduledBatchSize bounds how many scheduled or expired jobs are moved per tick.
	ScheduledBatchSize int64
}

// EnqueueOptions carry the per-job retry policy stored with the job.
type EnqueueOptions struct {
	JobID       string
	MaxAttempts int
	Backoff     models.BackoffPolicy
	Delay       time.Duration
}

// Archiver receives replayed jobs that failed again.
type Archiver interface {
	Archive(ctx context.Context, entry models.DeadLetter) error
}

// Runtime is the generic enqueue/process API over the queue store.
type Runtime struct {
	queue    *queue.RedisQueue
	log      *zap.Logger
	archiver Archiver

	mu        sync.Mutex
	consumers map[string]*Consumer
}

// NewRuntime builds a runtime. archiver may be nil, in which case archived jobs are only logged.
func NewRuntime(q *queue.RedisQueue, log *zap.Logger, archiver Archiver) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		queue:     q,
		log:       log.With(zap.String("component", "job_runtime")),
		archiver:  archiver,
		consumers: make(map[string]*Consumer),
	}
}

// Queue exposes the underlying queue store.
func (r *Runtime) Queue() *queue.RedisQueue {
	return r.queue
}

// Enqueue serializes payload into a new job on queueName and returns its id.
func (r *Runtime) Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) (string, error) {
	ids, err := r.EnqueueMany(ctx, queueName, []any{payload}, opts)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueMany enqueues every payload as an independent job sharing opts. opts.JobID is ignored.
func (r *Runtime) EnqueueMany(ctx context.Context, queueName string, payloads []any, opts EnqueueOptions) ([]string, error) {
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	now := time.Now().UTC()
	jobs := make([]models.Job, 0, len(payloads))
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		data, err := marshalPayload(p)
		if err != nil {
			return nil, err
		}
		id := ulid.Make().String()
		if len(payloads) == 1 && opts.JobID != "" {
			id = opts.JobID
		}
		jobs = append(jobs, models.Job{
			ID:          id,
			Queue:       queueName,
			Payload:     data,
			MaxAttempts: opts.MaxAttempts,
			Backoff:     opts.Backoff,
			State:       models.StateWaiting,
			EnqueuedAt:  now,
		})
		ids = append(ids, id)
	}
	if err := r.queue.EnqueueMany(ctx, jobs, now.Add(opts.Delay)); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(queueName).Add(float64(len(jobs)))
	return ids, nil
}

func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Process registers handler for queueName. Each dequeued job is handled once per attempt.
func (r *Runtime) Process(queueName string, handler Handler, policy Policy) *Consumer {
	return r.register(queueName, policy, func(ctx context.Context, jobs []models.Job) []error {
		errs := make([]error, len(jobs))
		for i, job := range jobs {
			errs[i] = safeCall(func() error { return handler(ctx, job) })
		}
		return errs
	})
}

// ProcessBatch registers a handler that receives up to policy.BatchSize jobs per call.
func (r *Runtime) ProcessBatch(queueName string, handler BatchHandler, policy Policy) *Consumer {
	return r.register(queueName, policy, func(ctx context.Context, jobs []models.Job) (errs []error) {
		defer func() {
			if rec := recover(); rec != nil {
				errs = make([]error, len(jobs))
				for i := range errs {
					errs[i] = fmt.Errorf("batch handler panic: %v", rec)
				}
			}
		}()
		errs = handler(ctx, jobs)
		if len(errs) != len(jobs) {
			errs = make([]error, len(jobs))
			for i := range errs {
				errs[i] = errors.New("batch handler returned mismatched results")
			}
		}
		return errs
	})
}

func (r *Runtime) register(queueName string, policy Policy, h BatchHandler) *Consumer {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 1
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = time.Second
	}
	if policy.ScheduledBatchSize <= 0 {
		policy.ScheduledBatchSize = 100
	}
	c := &Consumer{runtime: r, queue: queueName, policy: policy, handle: h}
	r.mu.Lock()
	r.consumers[queueName] = c
	r.mu.Unlock()
	return c
}

// Consumer returns the consumer registered for queueName, or nil.
func (r *Runtime) Consumer(queueName string) *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumers[queueName]
}

// Consumers returns every registered consumer.
func (r *Runtime) Consumers() []*Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, c)
	}
	return out
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn()
}

// settle records the outcome of one attempt: complete, retry, dead-letter or archive.
func (r *Runtime) settle(ctx context.Context, job models.Job, handlerErr error) {
	if handlerErr == nil {
		if err := r.queue.Ack(ctx, job); err != nil {
			r.storeFailed("ack job", []zap.Field{zap.String("job_id", job.ID), zap.String("queue", job.Queue)}, err)
			return
		}
		telemetry.JobsCompleted.WithLabelValues(job.Queue).Inc()
		return
	}

	telemetry.JobsFailed.WithLabelValues(job.Queue).Inc()
	job.AttemptsMade++
	job.LastError = handlerErr.Error()
	if payload, ok := narrowedPayload(handlerErr); ok {
		job.Payload = payload
	}
	permanent := IsPermanent(handlerErr)

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Int("attempt", job.AttemptsMade),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Bool("permanent", permanent),
		zap.Bool("service_down", IsServiceDown(handlerErr)),
		zap.Error(handlerErr),
	}

	if permanent || job.Exhausted() {
		entry := models.DeadLetter{
			JobID:        job.ID,
			Queue:        job.Queue,
			Payload:      job.Payload,
			AttemptsMade: job.AttemptsMade,
			Error:        job.LastError,
			Permanent:    permanent,
			FailedAt:     time.Now().UTC(),
		}
		if job.Replayed {
			r.archive(ctx, job, entry, fields)
			return
		}
		if err := r.queue.DeadLetter(ctx, job, entry); err != nil {
			r.storeFailed("dead-letter job", fields, err)
			return
		}
		telemetry.JobsDeadLettered.WithLabelValues(job.Queue).Inc()
		r.log.Warn("job dead-lettered", fields...)
		return
	}

	delay := Delay(job.Backoff, job.AttemptsMade)
	if err := r.queue.Retry(ctx, job, time.Now().Add(delay)); err != nil {
		r.storeFailed("reschedule job", fields, err)
		return
	}
	telemetry.JobsRetried.WithLabelValues(job.Queue).Inc()
	r.log.Warn("job attempt failed, retry scheduled", append(fields, zap.Duration("delay", delay))...)
}

func (r *Runtime) archive(ctx context.Context, job models.Job, entry models.DeadLetter, fields []zap.Field) {
	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, entry); err != nil {
			r.log.Error("archive replayed job", append(fields, zap.NamedError("archive_error", err))...)
		}
	}
	if err := r.queue.Fail(ctx, job); err != nil {
		r.storeFailed("mark replayed job failed", fields, err)
		return
	}
	telemetry.JobsArchived.WithLabelValues(job.Queue).Inc()
	r.log.Error("replayed job failed again, archived", append(fields, zap.ByteString("payload", job.Payload))...)
}

// storeFailed logs a settle step the queue store refused. A lost lease means another
// worker owns the job now, so this attempt's outcome is dropped.
func (r *Runtime) storeFailed(step string, fields []zap.Field, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		r.log.Warn(step+": lease lost, outcome dropped", fields...)
		return
	}
	r.log.Error(step, append(fields, zap.NamedError("store_error", err))...)
}

// Stats returns per-queue depth for every known queue plus the DLQ length.
func (r *Runtime) Stats(ctx context.Context) ([]models.QueueStats, int64, error) {
	names, err := r.queue.Queues(ctx)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.QueueStats, 0, len(names))
	for _, name := range names {
		st, err := r.queue.Stats(ctx, name)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, st)
	}
	dlq, err := r.queue.DLQLen(ctx)
	if err != nil {
		return nil, 0, err
	}
	return out, dlq, nil
}
