package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type flakyRole struct {
	runs    atomic.Int32
	stopped chan struct{}
	stopAt  int32
	panics  bool
}

func (f *flakyRole) Name() string { return "flaky" }

func (f *flakyRole) Run(ctx context.Context) error {
	n := f.runs.Add(1)
	if n >= f.stopAt {
		close(f.stopped)
		<-ctx.Done()
		return ctx.Err()
	}
	if f.panics {
		panic("boom")
	}
	return errors.New("crashed")
}

func TestRoleIsRestartedAfterExit(t *testing.T) {
	for _, panics := range []bool{false, true} {
		role := &flakyRole{stopped: make(chan struct{}), stopAt: 3, panics: panics}
		sup := New(time.Millisecond, nil)
		sup.Add(role)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- sup.Run(ctx) }()

		select {
		case <-role.stopped:
		case <-time.After(2 * time.Second):
			t.Fatalf("panics=%v: role was not restarted, runs=%d", panics, role.runs.Load())
		}
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := role.runs.Load(); got != 3 {
			t.Fatalf("panics=%v: expected 3 runs, got %d", panics, got)
		}
	}
}

func TestShutdownClosesResourcesAndAggregatesErrors(t *testing.T) {
	sup := New(time.Millisecond, nil)
	sup.Add(Every("noop", time.Hour, func(context.Context) error { return nil }, nil))

	var closed atomic.Int32
	sup.OnShutdown(
		CloserFunc(func() error { closed.Add(1); return errors.New("redis close") }),
		CloserFunc(func() error { closed.Add(1); return nil }),
		CloserFunc(func() error { closed.Add(1); return errors.New("pg close") }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sup.Run(ctx)
	if closed.Load() != 3 {
		t.Fatalf("expected every closer called, got %d", closed.Load())
	}
	if err == nil || err.Error() != "redis close; pg close" {
		t.Fatalf("unexpected aggregated error %v", err)
	}
}

func TestEveryCallsFunctionPeriodically(t *testing.T) {
	var calls atomic.Int32
	role := Every("sweep", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return errors.New("store down")
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := role.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected failures not to stop the role, calls=%d", calls.Load())
	}
}

func TestRunWithoutRoles(t *testing.T) {
	if err := New(0, nil).Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}
