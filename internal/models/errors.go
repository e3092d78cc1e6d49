package models

import (
	"errors"
	"fmt"
)

// ErrInvalid marks input rejected before anything was enqueued or written.
var ErrInvalid = errors.New("invalid input")

// Invalidf returns an error wrapping ErrInvalid.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
