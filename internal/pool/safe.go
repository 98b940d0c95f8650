package pool

import (
	"context"
	"fmt"
)

// safeInvokeGenerator runs a task's generator, converting a panic into the
// same error path a synchronous throw takes in the original source
// (spec.md §4.2's "A synchronous throw — treated as a rejection").
func safeInvokeGenerator[T any](gen Generator[T], invocation int) (op Operation[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			op, err = nil, fmt.Errorf("generator panicked: %v", r)
		}
	}()
	return gen(invocation)
}

// safeRunOperation runs an operation, converting a panic into an error.
func safeRunOperation[T any](op Operation[T], ctx context.Context) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, err = zero, fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// safeConvert runs a result converter, converting a panic into an error.
func safeConvert[T any](convert func([]T) (any, error), result []T) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("result converter panicked: %v", r)
		}
	}()
	return convert(result)
}
