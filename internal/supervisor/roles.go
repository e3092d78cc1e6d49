package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

type periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	log      *zap.Logger
}

// Every returns a role calling fn once per interval. A failing call is logged and
// retried on the next tick rather than restarting the role.
func Every(name string, interval time.Duration, fn func(ctx context.Context) error, log *zap.Logger) Role {
	if log == nil {
		log = zap.NewNop()
	}
	return &periodic{name: name, interval: interval, fn: fn, log: log}
}

func (p *periodic) Name() string { return p.name }

func (p *periodic) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.fn(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("periodic task failed", zap.String("role", p.name), zap.Error(err))
			}
		}
	}
}

// HTTPServer runs srv as a role and shuts it down gracefully on cancellation.
type HTTPServer struct {
	name            string
	srv             *http.Server
	shutdownTimeout time.Duration
}

func NewHTTPServer(name string, srv *http.Server, shutdownTimeout time.Duration) *HTTPServer {
	return &HTTPServer{name: name, srv: srv, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPServer) Name() string { return h.name }

func (h *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return fmt.Errorf("%s: %w", h.name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

// ProcessRole runs a child worker process. Cancelling the context interrupts the child,
// which is killed if it has not exited after the grace period.
type ProcessRole struct {
	name  string
	path  string
	args  []string
	env   []string
	grace time.Duration
}

func NewProcessRole(name, path string, args, env []string, grace time.Duration) *ProcessRole {
	return &ProcessRole{name: name, path: path, args: args, env: env, grace: grace}
}

func (p *ProcessRole) Name() string { return p.name }

func (p *ProcessRole) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = p.grace
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return fmt.Errorf("%s exited", p.name)
}
