package batch

import "context"

// resultWaiter is a one-shot value-or-error handle for a single queued
// input, the batcher's own analogue of the scheduler's completion handle.
type resultWaiter[O any] struct {
	done  chan struct{}
	value O
	err   error
}

func newResultWaiter[O any]() *resultWaiter[O] {
	return &resultWaiter[O]{done: make(chan struct{})}
}

func (w *resultWaiter[O]) settle(value O, err error) {
	w.value = value
	w.err = err
	close(w.done)
}

func (w *resultWaiter[O]) wait(ctx context.Context) (O, error) {
	select {
	case <-w.done:
		return w.value, w.err
	case <-ctx.Done():
		var zero O
		return zero, ctx.Err()
	}
}
