package pool

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Operational failures (generator/converter errors) are
// wrapped, not replaced, so callers can still unwrap down to the cause.
var (
	// ErrInvalidConfig is returned when a limit, option, or threshold is
	// outside its allowed domain (NaN, non-positive where positive is
	// required, an empty threshold list, and so on).
	ErrInvalidConfig = errors.New("pool: invalid configuration")

	// ErrCrossPoolGroup is returned when a task is constructed with a group
	// that belongs to a different pool.
	ErrCrossPoolGroup = errors.New("pool: group belongs to a different pool")

	// ErrTaskEnded is returned by a persistent batcher's GetResult after the
	// batcher (or its underlying task) has ended.
	ErrTaskEnded = errors.New("pool: task has ended")

	// ErrOutputLengthMismatch is returned when a batching function's output
	// does not have the same length as the input slice it was given.
	ErrOutputLengthMismatch = errors.New("pool: batch output length does not match input length")
)

// ConfigError names the offending field of an ErrInvalidConfig failure.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pool: invalid configuration for %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("pool: invalid configuration for %s", e.Field)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func invalidConfig(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

var (
	errNaNLimit            = errors.New("limit must not be NaN")
	errNonPositiveLimit    = errors.New("limit must be positive (use Unlimited to disable it)")
	errNonPositiveDuration = errors.New("duration must be positive")
	errNilGenerator        = errors.New("generator must not be nil")
)

// GeneratorFailure wraps an error returned or panicked by a task's generator
// or the operation it produced.
type GeneratorFailure struct {
	Invocation int
	Err        error
}

func (e *GeneratorFailure) Error() string {
	return fmt.Sprintf("pool: generator failed at invocation %d: %v", e.Invocation, e.Err)
}

func (e *GeneratorFailure) Unwrap() error { return e.Err }

// ConverterFailure wraps an error returned or panicked by a task's
// ResultConverter.
type ConverterFailure struct {
	Err error
}

func (e *ConverterFailure) Error() string {
	return fmt.Sprintf("pool: result converter failed: %v", e.Err)
}

func (e *ConverterFailure) Unwrap() error { return e.Err }
