package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/telemetry"
)

// ErrOpen is returned while the breaker sheds calls.
var ErrOpen = gobreaker.ErrOpenState

// Breaker guards a single external dependency.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// New builds a breaker that opens once at least MinRequests calls were made in the
// current window and ErrorThresholdPercent of them failed. After ResetTimeout one
// trial call is let through.
func New(name string, cfg config.BreakerConfig, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 1
	}
	threshold := cfg.ErrorThresholdPercent
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < minRequests {
				return false
			}
			return float64(c.TotalFailures)*100/float64(c.Requests) >= threshold
		},
		// A caller giving up is not a failure of the dependency.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.BreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	telemetry.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(st), timeout: cfg.CallTimeout}
}

// Do runs fn through the breaker, bounded by the call timeout.
// While open, fn is not invoked and the returned error wraps ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	return err
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Name() string {
	return b.name
}
