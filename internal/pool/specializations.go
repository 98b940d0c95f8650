package pool

import "time"

// SingleOptions configures a one-shot task that runs its operation exactly
// once and unwraps the single-element result.
type SingleOptions[T any] struct {
	Operation Operation[T]
	Paused    bool
}

// Single runs operation exactly once and returns a task whose completion
// value is the operation's own result, not a one-element slice of it.
func Single[T any](p *Pool, opts SingleOptions[T]) (*Task[T], error) {
	invocationLimit := 1.0
	return AddTask(p, TaskOptions[T]{
		Generator: func(invocation int) (Operation[T], error) {
			if invocation > 0 {
				return nil, nil
			}
			return opts.Operation, nil
		},
		InvocationLimit: &invocationLimit,
		Paused:          opts.Paused,
		ResultConverter: func(results []T) (any, error) {
			var zero T
			if len(results) == 0 {
				return zero, nil
			}
			return results[0], nil
		},
	})
}

// LinearOptions configures a task restricted to one outstanding operation at
// a time, preserving the generator's invocation order as completion order.
type LinearOptions[T any] struct {
	Generator        Generator[T]
	InvocationLimit  *float64
	FrequencyLimit   float64
	FrequencyWindow  time.Duration
	Paused           bool
}

// Linear forces ConcurrencyLimit = 1 on the task-exclusive group and
// forwards every other option unchanged.
func Linear[T any](p *Pool, opts LinearOptions[T]) (*Task[T], error) {
	return AddTask(p, TaskOptions[T]{
		Generator:        opts.Generator,
		InvocationLimit:  opts.InvocationLimit,
		ConcurrencyLimit: 1,
		FrequencyLimit:   opts.FrequencyLimit,
		FrequencyWindow:  opts.FrequencyWindow,
		Paused:           opts.Paused,
	})
}

// EachOptions configures a task that dispatches exactly one operation per
// element of Items, in order, ending once the last element is dispatched.
type EachOptions[I any, T any] struct {
	Items            []I
	Operation        func(item I, index int) Operation[T]
	ConcurrencyLimit float64
	FrequencyLimit   float64
	FrequencyWindow  time.Duration
	Groups           []*Group
	Paused           bool
}

// Each walks Items in order, handing each one to Operation to build the
// operation for that invocation, and ends the task after the last element.
func Each[I any, T any](p *Pool, opts EachOptions[I, T]) (*Task[T], error) {
	items := opts.Items
	return AddTask(p, TaskOptions[T]{
		Generator: func(invocation int) (Operation[T], error) {
			if invocation >= len(items) {
				return nil, nil
			}
			item := items[invocation]
			return opts.Operation(item, invocation), nil
		},
		ConcurrencyLimit: opts.ConcurrencyLimit,
		FrequencyLimit:   opts.FrequencyLimit,
		FrequencyWindow:  opts.FrequencyWindow,
		Groups:           opts.Groups,
		Paused:           opts.Paused,
	})
}

// BatchSizer computes the size of the next sub-batch given how many items
// remain unconsumed and how many free slots the task currently has. A
// returned value that is non-positive becomes an InvalidConfig failure
// scoped to that one invocation (the GeneratorFailure wraps it).
type BatchSizer func(remaining int, freeSlots float64) (int, error)

// BatchOptions configures a task that groups a provided ordered sequence
// into sub-sequences, using either a fixed size or a dynamic BatchSizer.
type BatchOptions[I any, T any] struct {
	Items            []I
	BatchSize        int
	Sizer            BatchSizer
	Operation        func(items []I, start int) Operation[T]
	ConcurrencyLimit float64
	FrequencyLimit   float64
	FrequencyWindow  time.Duration
	Groups           []*Group
	Paused           bool
}

// Batch slices Items into consecutive sub-sequences (fixed-size if
// BatchSize > 0, otherwise computed per-invocation by Sizer) and hands each
// sub-sequence to Operation, ending once every item has been dispatched.
func Batch[I any, T any](p *Pool, opts BatchOptions[I, T]) (*Task[T], error) {
	items := opts.Items
	cursor := 0
	var self *Task[T]
	return AddTask(p, TaskOptions[T]{
		Generator: func(invocation int) (Operation[T], error) {
			if cursor >= len(items) {
				return nil, nil
			}
			remaining := len(items) - cursor
			size := opts.BatchSize
			if size <= 0 {
				if opts.Sizer == nil {
					size = remaining
				} else {
					freeSlots := self.FreeSlots()
					s, err := opts.Sizer(remaining, freeSlots)
					if err != nil {
						return nil, err
					}
					if s <= 0 {
						return nil, invalidConfig("batchSize", errNonPositiveLimit)
					}
					size = s
				}
			}
			if size > remaining {
				size = remaining
			}
			start := cursor
			slice := items[start : start+size]
			cursor += size
			return opts.Operation(slice, start), nil
		},
		ConcurrencyLimit: opts.ConcurrencyLimit,
		FrequencyLimit:   opts.FrequencyLimit,
		FrequencyWindow:  opts.FrequencyWindow,
		Groups:           opts.Groups,
		Paused:           opts.Paused,
		onConstructed:    func(t *Task[T]) { self = t },
	})
}
