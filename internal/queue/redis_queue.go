package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/models"
)

// ErrJobNotFound is returned when a job record has expired or never existed.
var ErrJobNotFound = errors.New("job not found")

// ErrLeaseLost is returned when a job's lease expired and was reclaimed, possibly by
// another worker. The caller no longer owns the job and must not touch it.
var ErrLeaseLost = errors.New("lease lost")

// RedisQueue coordinates ready, in-flight, and scheduled job lists per queue name in Redis.
type RedisQueue struct {
	client          *redis.Client
	jobPrefix       string
	namesKey        string
	dlqKey          string
	visibilityTTL   time.Duration
	failedRetention time.Duration
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisQueue builds a queue store on top of an existing client.
func NewRedisQueue(client *redis.Client, cfg config.QueueConfig) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:          client,
		jobPrefix:       "queue:job:",
		namesKey:        "queue:names",
		dlqKey:          dlq,
		visibilityTTL:   visibility,
		failedRetention: cfg.FailedJobRetention,
	}
}

// Client exposes the underlying Redis client for components sharing the connection.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// VisibilityTimeout is how long a dequeued job stays leased without a heartbeat.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

// DLQName returns the key of the dead-letter list.
func (q *RedisQueue) DLQName() string {
	return q.dlqKey
}

func (q *RedisQueue) readyKey(queue string) string {
	return fmt.Sprintf("queue:%s:ready", queue)
}

func (q *RedisQueue) inflightKey(queue string) string {
	return fmt.Sprintf("queue:%s:inflight", queue)
}

func (q *RedisQueue) leasesKey(queue string) string {
	return fmt.Sprintf("queue:%s:leases", queue)
}

func (q *RedisQueue) scheduledKey(queue string) string {
	return fmt.Sprintf("queue:%s:scheduled", queue)
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobPrefix + jobID
}

// Enqueue stores the job record and places it either in the ready list or the scheduled set.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job, runAt time.Time) error {
	return q.EnqueueMany(ctx, []models.Job{job}, runAt)
}

// EnqueueMany stores several jobs in one transaction.
func (q *RedisQueue) EnqueueMany(ctx context.Context, jobs []models.Job, runAt time.Time) error {
	if len(jobs) == 0 {
		return nil
	}
	pipe := q.client.TxPipeline()
	for _, job := range jobs {
		job.State = models.StateWaiting
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		pipe.Set(ctx, q.jobKey(job.ID), data, 0)
		pipe.SAdd(ctx, q.namesKey, job.Queue)
		if runAt.After(time.Now()) {
			pipe.ZAdd(ctx, q.scheduledKey(job.Queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		} else {
			pipe.RPush(ctx, q.readyKey(job.Queue), job.ID)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue pops up to count jobs in FIFO order and leases them with the visibility timeout.
// Every returned job carries the lease token that later Ack, Retry, DeadLetter, Fail and
// ExtendLease calls must present.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string, count int) ([]models.Job, error) {
	if count <= 0 {
		count = 1
	}
	token := ulid.Make().String()
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(queue), q.inflightKey(queue), q.leasesKey(queue)},
		deadline, count, token).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}

	keys := make([]string, len(res))
	for i, id := range res {
		keys[i] = q.jobKey(id)
	}
	raw, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]models.Job, 0, len(res))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// Record gone: nothing left to run, drop the lease.
			q.dropLease(ctx, queue, res[i])
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			q.dropLease(ctx, queue, res[i])
			continue
		}
		job.State = models.StateActive
		job.LeaseToken = token
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) dropLease(ctx context.Context, queue, jobID string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(queue), jobID)
	pipe.HDel(ctx, q.leasesKey(queue), jobID)
	_, _ = pipe.Exec(ctx)
}

func leaseResult(n int, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes the visibility deadline of a leased job one visibility timeout ahead.
func (q *RedisQueue) ExtendLease(ctx context.Context, job models.Job) error {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	return leaseResult(extendScript.Run(ctx, q.client,
		[]string{q.inflightKey(job.Queue), q.leasesKey(job.Queue)},
		job.ID, job.LeaseToken, deadline).Int())
}

// Ack removes a completed job from in-flight tracking along with its record.
func (q *RedisQueue) Ack(ctx context.Context, job models.Job) error {
	return leaseResult(ackScript.Run(ctx, q.client,
		[]string{q.inflightKey(job.Queue), q.leasesKey(job.Queue), q.jobKey(job.ID)},
		job.ID, job.LeaseToken).Int())
}

// Retry releases the lease and puts the job back, immediately or at runAt.
func (q *RedisQueue) Retry(ctx context.Context, job models.Job, runAt time.Time) error {
	job.State = models.StateWaiting
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	at := ""
	if runAt.After(time.Now()) {
		at = fmt.Sprint(runAt.UnixMilli())
	}
	return leaseResult(retryScript.Run(ctx, q.client,
		[]string{q.inflightKey(job.Queue), q.leasesKey(job.Queue), q.jobKey(job.ID), q.readyKey(job.Queue), q.scheduledKey(job.Queue)},
		job.ID, job.LeaseToken, data, at).Int())
}

// DeadLetter appends the entry to the dead-letter list and marks the original job dead-lettered.
func (q *RedisQueue) DeadLetter(ctx context.Context, job models.Job, entry models.DeadLetter) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", job.ID, err)
	}
	job.State = models.StateDeadLettered
	return q.fail(ctx, job, data)
}

// Fail marks the job failed without dead-lettering it.
func (q *RedisQueue) Fail(ctx context.Context, job models.Job) error {
	job.State = models.StateFailed
	return q.fail(ctx, job, nil)
}

// fail keeps the job record for the failed retention and releases the lease.
func (q *RedisQueue) fail(ctx context.Context, job models.Job, dlqEntry []byte) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return leaseResult(failScript.Run(ctx, q.client,
		[]string{q.inflightKey(job.Queue), q.leasesKey(job.Queue), q.jobKey(job.ID), q.dlqKey},
		job.ID, job.LeaseToken, data, q.failedRetention.Milliseconds(), dlqEntry).Int())
}

// GetJob fetches a job record by id. Acked jobs are deleted, so ErrJobNotFound also
// means the job completed or its failed record expired.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, err
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return job, nil
}

// PromoteScheduled moves due scheduled jobs into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{q.scheduledKey(queue), q.readyKey(queue)}, now.UnixMilli(), limit).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. It returns how many were reclaimed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client, []string{q.inflightKey(queue), q.readyKey(queue), q.leasesKey(queue)}, now.UnixMilli(), limit).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// DLQPush appends an entry to the dead-letter list.
func (q *RedisQueue) DLQPush(ctx context.Context, entry models.DeadLetter) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", entry.JobID, err)
	}
	return q.client.RPush(ctx, q.dlqKey, data).Err()
}

// DLQPeek reads the oldest dead-lettered entries without removing them.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error) {
	if count <= 0 {
		count = 100
	}
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(raw))
	for _, s := range raw {
		var entry models.DeadLetter
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// DLQLen returns the number of entries waiting in the dead-letter list.
func (q *RedisQueue) DLQLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey).Result()
}

// UnreadableEntryError is returned by DLQPop when the popped entry is not a dead letter.
// The entry has already been removed; Raw holds its bytes.
type UnreadableEntryError struct {
	Raw []byte
	Err error
}

func (e *UnreadableEntryError) Error() string { return "unmarshal dead letter: " + e.Err.Error() }
func (e *UnreadableEntryError) Unwrap() error { return e.Err }

// DLQPop removes the oldest dead-letter entry. ok is false when the list is empty.
func (q *RedisQueue) DLQPop(ctx context.Context) (entry models.DeadLetter, ok bool, err error) {
	data, err := q.client.LPop(ctx, q.dlqKey).Bytes()
	if err == redis.Nil {
		return models.DeadLetter{}, false, nil
	}
	if err != nil {
		return models.DeadLetter{}, false, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.DeadLetter{}, true, &UnreadableEntryError{Raw: data, Err: err}
	}
	return entry, true, nil
}

// Queues lists every queue name that has seen an enqueue.
func (q *RedisQueue) Queues(ctx context.Context) ([]string, error) {
	return q.client.SMembers(ctx, q.namesKey).Result()
}

// Stats returns the ready, in-flight and scheduled depth of a queue.
func (q *RedisQueue) Stats(ctx context.Context, queue string) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey(queue))
	inflight := pipe.ZCard(ctx, q.inflightKey(queue))
	scheduled := pipe.ZCard(ctx, q.scheduledKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, err
	}
	return models.QueueStats{
		Queue:     queue,
		Ready:     ready.Val(),
		InFlight:  inflight.Val(),
		Scheduled: scheduled.Val(),
	}, nil
}

var dequeueScript = redis.NewScript(`
local out = {}
for i=1,tonumber(ARGV[2]) do
  local job = redis.call('LPOP', KEYS[1])
  if not job then break end
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  redis.call('HSET', KEYS[3], job, ARGV[3])
  table.insert(out, job)
end
return out
`)

// The lease scripts share one guard: KEYS[2] is the lease hash, ARGV[1] the job id and
// ARGV[2] the caller's token. A job that was never dequeued has an empty token and is
// not guarded.
const leaseGuard = `
if ARGV[2] ~= '' and redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
`

var extendScript = redis.NewScript(leaseGuard + `
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var ackScript = redis.NewScript(leaseGuard + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

// retryScript: KEYS[4] ready list, KEYS[5] scheduled set, ARGV[3] record, ARGV[4] run-at ms or ''.
var retryScript = redis.NewScript(leaseGuard + `
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[4] ~= '' then
  redis.call('ZADD', KEYS[5], ARGV[4], ARGV[1])
else
  redis.call('RPUSH', KEYS[4], ARGV[1])
end
return 1
`)

// failScript: KEYS[4] dead-letter list, ARGV[3] record, ARGV[4] retention ms, ARGV[5] entry or ''.
var failScript = redis.NewScript(leaseGuard + `
if ARGV[5] ~= '' then
  redis.call('RPUSH', KEYS[4], ARGV[5])
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[3], ARGV[3])
end
return 1
`)

// reclaimScript moves expired leases back onto the ready list and forgets their tokens.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('HDEL', KEYS[3], id)
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

// moveDueScript moves members of a ZSET scored at or before ARGV[1] onto the tail of a list.
// ZREM guards against two workers moving the same member.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)
