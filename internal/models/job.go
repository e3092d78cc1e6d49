package models

import (
	"encoding/json"
	"time"
)

// JobState enumerates the lifecycle of a queued job. Completed jobs are deleted, so
// there is no completed state.
type JobState string

const (
	StateWaiting      JobState = "waiting"
	StateActive       JobState = "active"
	StateFailed       JobState = "failed"
	StateDeadLettered JobState = "dead_lettered"
)

// BackoffType selects how the delay before a retry grows with attempts.
type BackoffType string

const (
	BackoffNone        BackoffType = "none"
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// BackoffPolicy describes the retry delay for a job.
type BackoffPolicy struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
	Max   time.Duration `json:"max,omitempty"`
}

// Job represents a unit of work held in the queue store.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attempts_made"`
	// MaxAttempts of 0 means the job is retried until it succeeds or fails permanently.
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffPolicy `json:"backoff"`
	State       JobState      `json:"state"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	LastError   string        `json:"last_error,omitempty"`
	// Replayed marks a job re-enqueued from the dead-letter queue; it gets no further dead-lettering.
	Replayed bool `json:"replayed,omitempty"`
	// LeaseToken identifies the dequeue that owns the job. It is never persisted.
	LeaseToken string `json:"-"`
}

// Exhausted reports whether the job has used up its attempts.
func (j Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.AttemptsMade >= j.MaxAttempts
}

// DeadLetter is an entry of the dead-letter queue. The payload is kept verbatim.
type DeadLetter struct {
	JobID        string          `json:"job_id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attempts_made"`
	Error        string          `json:"error"`
	Permanent    bool            `json:"permanent"`
	FailedAt     time.Time       `json:"failed_at"`
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Ready     int64  `json:"ready"`
	InFlight  int64  `json:"in_flight"`
	Scheduled int64  `json:"scheduled"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
