package worker

import (
	"math"
	"math/rand"
	"time"

	"chat-delivery-pipeline/internal/models"
)

// Delay returns how long to wait before the next attempt after attemptsMade failures.
func Delay(p models.BackoffPolicy, attemptsMade int) time.Duration {
	var d time.Duration
	switch p.Type {
	case models.BackoffFixed:
		d = p.Delay
	case models.BackoffLinear:
		d = p.Delay * time.Duration(attemptsMade)
	case models.BackoffExponential:
		max := p.Max
		if max <= 0 {
			max = 5 * time.Minute
		}
		return backoffWithJitter(p.Delay, max, attemptsMade)
	default:
		return 0
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
