package batch

import (
	"fmt"

	"github.com/emptyset-io/taskpool/internal/pool"
)

// ConfigError names the offending field of a batcher construction failure.
// It unwraps to pool.ErrInvalidConfig so callers can use a single
// errors.Is check across both packages.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("batch: invalid configuration for %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return pool.ErrInvalidConfig }

func invalidConfig(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}
