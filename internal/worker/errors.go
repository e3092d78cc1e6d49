package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// ErrServiceDown marks failures caused by a downstream dependency being unavailable.
// They are retried like any transient error.
var ErrServiceDown = errors.New("external service down")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the runtime dead-letters the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err or anything it wraps was marked permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsServiceDown reports whether err comes from an open circuit or a dependency marked down.
func IsServiceDown(err error) bool {
	return errors.Is(err, ErrServiceDown) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

type retryWithError struct {
	payload json.RawMessage
	err     error
}

func (e *retryWithError) Error() string { return e.err.Error() }
func (e *retryWithError) Unwrap() error { return e.err }

// RetryWith fails the attempt and replaces the job payload for the next one,
// so a partially successful job only repeats the part that failed.
func RetryWith(payload any, err error) error {
	if err == nil {
		err = errors.New("partial failure")
	}
	data, mErr := json.Marshal(payload)
	if mErr != nil {
		return fmt.Errorf("%w (narrowing payload: %v)", err, mErr)
	}
	return &retryWithError{payload: data, err: err}
}

func narrowedPayload(err error) (json.RawMessage, bool) {
	var rw *retryWithError
	if errors.As(err, &rw) {
		return rw.payload, true
	}
	return nil, false
}

// Decode unmarshals a job payload, failing permanently when it is malformed.
func Decode(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return Permanentf("decode payload: %w", err)
	}
	return nil
}
