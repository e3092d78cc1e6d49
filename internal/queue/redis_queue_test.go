package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, config.QueueConfig{DLQName: "queue:dlq", VisibilityTimeout: visibility}), mr
}

func testJob(id string) models.Job {
	return models.Job{
		ID:          id,
		Queue:       "messages",
		Payload:     json.RawMessage(`{"id":"` + id + `"}`),
		MaxAttempts: 3,
		EnqueuedAt:  time.Now(),
	}
}

func TestDequeueIsFIFOAndLeased(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, testJob(id), time.Now()); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	jobs, err := q.Dequeue(ctx, "messages", 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "b" {
		t.Fatalf("unexpected dequeue order: %+v", jobs)
	}
	if jobs[0].State != models.StateActive {
		t.Fatalf("expected active state, got %s", jobs[0].State)
	}

	stats, err := q.Stats(ctx, "messages")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 1 || stats.InFlight != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// A second consumer never receives a leased job.
	jobs, _ = q.Dequeue(ctx, "messages", 5)
	if len(jobs) != 1 || jobs[0].ID != "c" {
		t.Fatalf("expected only c, got %+v", jobs)
	}
}

func TestAckRemovesRecord(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	_ = q.Enqueue(ctx, testJob("a"), time.Now())
	jobs, _ := q.Dequeue(ctx, "messages", 1)
	if err := q.Ack(ctx, jobs[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.GetJob(ctx, "a"); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	stats, _ := q.Stats(ctx, "messages")
	if stats.InFlight != 0 {
		t.Fatalf("expected empty in-flight, got %d", stats.InFlight)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 10*time.Millisecond)
	_ = q.Enqueue(ctx, testJob("a"), time.Now())
	if jobs, _ := q.Dequeue(ctx, "messages", 1); len(jobs) != 1 {
		t.Fatalf("expected one job")
	}

	n, err := q.RequeueExpired(ctx, "messages", time.Now().Add(time.Second), 100)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one reclaimed lease, got %d", n)
	}
	jobs, _ := q.Dequeue(ctx, "messages", 1)
	if len(jobs) != 1 || jobs[0].ID != "a" {
		t.Fatalf("expected redelivery of a, got %+v", jobs)
	}
}

func TestRetryScheduledThenPromoted(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	_ = q.Enqueue(ctx, testJob("a"), time.Now())
	jobs, _ := q.Dequeue(ctx, "messages", 1)

	job := jobs[0]
	job.AttemptsMade = 1
	runAt := time.Now().Add(time.Hour)
	if err := q.Retry(ctx, job, runAt); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got, _ := q.Dequeue(ctx, "messages", 1); len(got) != 0 {
		t.Fatalf("scheduled job must not be ready yet")
	}
	n, err := q.PromoteScheduled(ctx, "messages", runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote: n=%d err=%v", n, err)
	}
	got, _ := q.Dequeue(ctx, "messages", 1)
	if len(got) != 1 || got[0].AttemptsMade != 1 {
		t.Fatalf("expected promoted job with attempts carried, got %+v", got)
	}
}

func TestDeadLetterKeepsPayloadVerbatim(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	_ = q.Enqueue(ctx, testJob("a"), time.Now())
	jobs, _ := q.Dequeue(ctx, "messages", 1)

	entry := models.DeadLetter{JobID: "a", Queue: "messages", Payload: jobs[0].Payload, AttemptsMade: 3, Error: "boom"}
	if err := q.DeadLetter(ctx, jobs[0], entry); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	entries, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != `{"id":"a"}` {
		t.Fatalf("unexpected dlq contents: %+v", entries)
	}
	job, err := q.GetJob(ctx, "a")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != models.StateDeadLettered {
		t.Fatalf("expected dead_lettered state, got %s", job.State)
	}

	popped, ok, err := q.DLQPop(ctx)
	if err != nil || !ok || popped.JobID != "a" {
		t.Fatalf("pop: %+v ok=%v err=%v", popped, ok, err)
	}
	if n, _ := q.DLQLen(ctx); n != 0 {
		t.Fatalf("expected empty dlq, got %d", n)
	}
}

func TestReclaimedLeaseRejectsFormerOwner(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 10*time.Millisecond)
	_ = q.Enqueue(ctx, testJob("a"), time.Now())

	first, _ := q.Dequeue(ctx, "messages", 1)
	if len(first) != 1 || first[0].LeaseToken == "" {
		t.Fatalf("expected a leased job, got %+v", first)
	}
	if n, _ := q.RequeueExpired(ctx, "messages", time.Now().Add(time.Second), 100); n != 1 {
		t.Fatalf("expected the lease to be reclaimed, got %d", n)
	}
	second, _ := q.Dequeue(ctx, "messages", 1)
	if len(second) != 1 || second[0].LeaseToken == first[0].LeaseToken {
		t.Fatalf("expected redelivery under a new lease, got %+v", second)
	}

	tests := []struct {
		name string
		op   func() error
	}{
		{"extend", func() error { return q.ExtendLease(ctx, first[0]) }},
		{"ack", func() error { return q.Ack(ctx, first[0]) }},
		{"retry", func() error { return q.Retry(ctx, first[0], time.Now()) }},
		{"fail", func() error { return q.Fail(ctx, first[0]) }},
	}
	for _, tt := range tests {
		if err := tt.op(); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("%s by former owner: expected ErrLeaseLost, got %v", tt.name, err)
		}
	}

	stats, _ := q.Stats(ctx, "messages")
	if stats.Ready != 0 || stats.InFlight != 1 {
		t.Fatalf("former owner must not disturb the new lease: %+v", stats)
	}
	if err := q.ExtendLease(ctx, second[0]); err != nil {
		t.Fatalf("extend by owner: %v", err)
	}
	if err := q.Ack(ctx, second[0]); err != nil {
		t.Fatalf("ack by owner: %v", err)
	}
	if _, err := q.GetJob(ctx, "a"); err != ErrJobNotFound {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestExtendLeaseKeepsJobFromReclaim(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	_ = q.Enqueue(ctx, testJob("a"), time.Now())
	jobs, _ := q.Dequeue(ctx, "messages", 1)

	if err := q.ExtendLease(ctx, jobs[0]); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if n, _ := q.RequeueExpired(ctx, "messages", time.Now().Add(30*time.Second), 100); n != 0 {
		t.Fatalf("extended lease must not be reclaimed, got %d", n)
	}
}
