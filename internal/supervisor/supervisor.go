// Package supervisor keeps the worker's long-running roles alive: consumer loops,
// periodic sweeps, the metrics server and, in multi-process mode, child workers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-delivery-pipeline/internal/telemetry"
)

// Role is a unit of work that runs until its context is cancelled.
type Role interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor runs roles and restarts any that returns or panics before shutdown.
type Supervisor struct {
	roles        []Role
	closers      []io.Closer
	restartDelay time.Duration
	log          *zap.Logger
}

func New(restartDelay time.Duration, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{restartDelay: restartDelay, log: log.With(zap.String("component", "supervisor"))}
}

// Add registers roles. It must be called before Run.
func (s *Supervisor) Add(roles ...Role) {
	s.roles = append(s.roles, roles...)
}

// OnShutdown registers resources closed after every role has stopped.
func (s *Supervisor) OnShutdown(closers ...io.Closer) {
	s.closers = append(s.closers, closers...)
}

// Run blocks until ctx is cancelled, then waits for all roles and closes resources.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.roles) == 0 {
		return errors.New("no roles to supervise")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, role := range s.roles {
		role := role
		g.Go(func() error {
			s.keepAlive(gctx, role)
			return nil
		})
	}
	s.log.Info("supervisor started", zap.Int("roles", len(s.roles)), zap.Duration("restart_delay", s.restartDelay))
	_ = g.Wait()

	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	s.log.Info("supervisor stopped", zap.Error(err))
	return err
}

func (s *Supervisor) keepAlive(ctx context.Context, role Role) {
	log := s.log.With(zap.String("role", role.Name()))
	for {
		err := runSafely(ctx, role)
		if ctx.Err() != nil {
			return
		}
		telemetry.RoleRestarts.WithLabelValues(role.Name()).Inc()
		log.Error("role exited, restarting", zap.Error(err), zap.Duration("delay", s.restartDelay))

		t := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func runSafely(ctx context.Context, role Role) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return role.Run(ctx)
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }
