package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"chat-delivery-pipeline/internal/models"
)

// TaskQueue is the queue of generic retryable tasks.
const TaskQueue = "tasks"

// Task is the envelope stored on the task queue.
type Task struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TaskHandler executes a task of a given type.
type TaskHandler func(ctx context.Context, job models.Job, data json.RawMessage) error

// TaskRouter dispatches task jobs to the handler registered for their type.
type TaskRouter struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewTaskRouter() *TaskRouter {
	return &TaskRouter{handlers: make(map[string]TaskHandler)}
}

// RegisterHandler binds a handler to a task type.
func (t *TaskRouter) RegisterHandler(taskType string, handler TaskHandler) {
	if taskType == "" || handler == nil {
		return
	}
	t.mu.Lock()
	t.handlers[taskType] = handler
	t.mu.Unlock()
}

// Handle is the job handler for TaskQueue.
func (t *TaskRouter) Handle(ctx context.Context, job models.Job) error {
	var task Task
	if err := Decode(job.Payload, &task); err != nil {
		return err
	}
	t.mu.RLock()
	handler, ok := t.handlers[task.Type]
	t.mu.RUnlock()
	if !ok {
		return Permanentf("no handler registered for task type %q", task.Type)
	}
	return handler(ctx, job, task.Data)
}

// EnqueueTask places a typed task on TaskQueue.
func (r *Runtime) EnqueueTask(ctx context.Context, taskType string, data any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal task data: %w", err)
	}
	return r.Enqueue(ctx, TaskQueue, Task{Type: taskType, Data: raw}, opts)
}
