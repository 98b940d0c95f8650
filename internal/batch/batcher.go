// Package batch implements a queue-and-coalesce layer above a paused task:
// individual callers request a result for one input, and the batcher
// decides when enough inputs have accumulated (or enough time has passed)
// to release an amortized batch call, fanning the outcomes back to each
// caller's own waiter.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emptyset-io/taskpool/internal/logging"
	"github.com/emptyset-io/taskpool/internal/pool"
)

var errNonPositiveThreshold = errors.New("queuing threshold must be positive")

// Outcome is the per-item result of a single batch invocation: exactly one
// of a value, a failure, or a retry request.
type Outcome[O any] struct {
	value O
	err   error
	retry bool
}

// Value wraps a successful per-item result.
func Value[O any](v O) Outcome[O] { return Outcome[O]{value: v} }

// Failure wraps a failed per-item result.
func Failure[O any](err error) Outcome[O] { return Outcome[O]{err: err} }

// Retry requests that the corresponding input be re-enqueued at the front
// of the queue for a future batch, instead of being resolved now.
func Retry[O any]() Outcome[O] { return Outcome[O]{retry: true} }

// BatchFunc is the user-supplied batching function: given an ordered slice
// of inputs, it returns one Outcome per input, in the same order.
type BatchFunc[I any, O any] func(ctx context.Context, items []I) ([]Outcome[O], error)

// Options configures a Batcher.
type Options[I any, O any] struct {
	// Generator is required: it performs the actual batch call.
	Generator BatchFunc[I, O]

	// MaxBatchSize caps how many inputs are pulled into a single release.
	// nil means unlimited. A non-nil value below 1 is InvalidConfig.
	MaxBatchSize *int

	// QueuingDelay is how long a scheduled (non-immediate) release waits
	// before firing. nil defaults to 1ms; a negative value is InvalidConfig.
	QueuingDelay *time.Duration

	// QueuingThresholds is indexed by the batcher's current in-flight
	// batch count (clamped to the last entry) and gives the queue length
	// that triggers scheduling a release at that concurrency level. nil
	// defaults to []int{1}; an empty non-nil slice or non-positive entries
	// are InvalidConfig.
	QueuingThresholds []int

	// ConcurrencyLimit, FrequencyLimit, FrequencyWindow, and Groups are
	// forwarded to the underlying task, and therefore gate how many
	// batches may be in flight and how often one may be released.
	ConcurrencyLimit float64
	FrequencyLimit   float64
	FrequencyWindow  time.Duration
	Groups           []*pool.Group
}

const defaultQueuingDelay = time.Millisecond

// Batcher queues individually-requested inputs and releases them in
// coalesced batches to a user-supplied function, while the underlying
// paused task enforces concurrency and frequency limits on releases.
type Batcher[I any, O any] struct {
	task *pool.Task[struct{}]

	generator         BatchFunc[I, O]
	maxBatchSize      int // 0 means unlimited
	queuingDelay      time.Duration
	queuingThresholds []int

	mu               sync.Mutex
	inputQueue       []I
	waiters          []*resultWaiter[O]
	activeBatchCount int
	releaseScheduled bool
	releaseTimer     *time.Timer
	ended            bool
}

// New constructs a Batcher backed by a permanently-paused task on p.
func New[I any, O any](p *pool.Pool, opts Options[I, O]) (*Batcher[I, O], error) {
	if opts.Generator == nil {
		return nil, invalidConfig("generator", errors.New("generator must not be nil"))
	}

	maxBatchSize := 0
	if opts.MaxBatchSize != nil {
		if *opts.MaxBatchSize < 1 {
			return nil, invalidConfig("maxBatchSize", errors.New("must be at least 1"))
		}
		maxBatchSize = *opts.MaxBatchSize
	}

	queuingDelay := defaultQueuingDelay
	if opts.QueuingDelay != nil {
		if *opts.QueuingDelay < 0 {
			return nil, invalidConfig("queuingDelay", errors.New("must not be negative"))
		}
		queuingDelay = *opts.QueuingDelay
	}

	thresholds := opts.QueuingThresholds
	if thresholds == nil {
		thresholds = []int{1}
	} else {
		if len(thresholds) == 0 {
			return nil, invalidConfig("queuingThresholds", errors.New("must not be empty"))
		}
		for _, th := range thresholds {
			if th <= 0 {
				return nil, invalidConfig("queuingThresholds", errNonPositiveThreshold)
			}
		}
		thresholds = append([]int(nil), thresholds...)
	}

	b := &Batcher[I, O]{
		generator:         opts.Generator,
		maxBatchSize:      maxBatchSize,
		queuingDelay:      queuingDelay,
		queuingThresholds: thresholds,
	}

	task, err := pool.AddTask(p, pool.TaskOptions[struct{}]{
		Generator:        b.runGenerator,
		ConcurrencyLimit: opts.ConcurrencyLimit,
		FrequencyLimit:   opts.FrequencyLimit,
		FrequencyWindow:  opts.FrequencyWindow,
		Groups:           opts.Groups,
		Paused:           true,
	})
	if err != nil {
		return nil, err
	}
	b.task = task
	return b, nil
}

// GetResult enqueues input and blocks until its batch has been released and
// resolved, returning the per-item outcome. It fails with pool.ErrTaskEnded
// if the batcher has already ended.
func (b *Batcher[I, O]) GetResult(ctx context.Context, input I) (O, error) {
	var zero O

	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return zero, pool.ErrTaskEnded
	}
	w := newResultWaiter[O]()
	b.inputQueue = append(b.inputQueue, input)
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	b.evaluateRelease()
	return w.wait(ctx)
}

// Send forces an immediate release of whatever is currently queued,
// bypassing the queuing delay but still subject to the underlying task's
// concurrency and frequency limits.
func (b *Batcher[I, O]) Send() {
	b.mu.Lock()
	if b.ended || len(b.inputQueue) == 0 {
		b.mu.Unlock()
		return
	}
	b.cancelScheduledLocked()
	b.mu.Unlock()
	b.task.Resume()
}

// End stops the batcher: the underlying task is ended and every queued
// waiter is rejected with pool.ErrTaskEnded. Subsequent GetResult calls also
// fail with pool.ErrTaskEnded.
func (b *Batcher[I, O]) End() {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	b.ended = true
	b.cancelScheduledLocked()
	pending := b.waiters
	b.waiters = nil
	b.inputQueue = nil
	b.mu.Unlock()

	var zero O
	for _, w := range pending {
		w.settle(zero, pool.ErrTaskEnded)
	}
	b.task.End()
}

// ActivePromiseCount, FreeSlots, and State passthrough the underlying task.
func (b *Batcher[I, O]) ActivePromiseCount() int { return b.task.ActivePromiseCount() }
func (b *Batcher[I, O]) FreeSlots() float64      { return b.task.FreeSlots() }
func (b *Batcher[I, O]) State() pool.State       { return b.task.State() }

// runGenerator is the underlying task's generator. It is invoked
// synchronously each time the task is resumed; it immediately re-pauses the
// task (so a stray scheduler pass never invokes it twice for one release)
// and hands back an operation that performs the actual batch call.
func (b *Batcher[I, O]) runGenerator(invocation int) (pool.Operation[struct{}], error) {
	b.mu.Lock()
	if len(b.inputQueue) == 0 {
		b.mu.Unlock()
		b.task.Pause()
		return nil, nil
	}

	size := len(b.inputQueue)
	if b.maxBatchSize > 0 && size > b.maxBatchSize {
		size = b.maxBatchSize
	}
	items := append([]I(nil), b.inputQueue[:size]...)
	waiters := append([]*resultWaiter[O](nil), b.waiters[:size]...)
	b.inputQueue = b.inputQueue[size:]
	b.waiters = b.waiters[size:]
	b.activeBatchCount++
	b.mu.Unlock()

	// Re-pause synchronously. Safe to call back into the pool here: the
	// scheduler releases its lock around generator invocation for exactly
	// this reason.
	b.task.Pause()

	return func(ctx context.Context) (struct{}, error) {
		b.runBatch(ctx, items, waiters)
		return struct{}{}, nil
	}, nil
}

// runBatch invokes the user's batching function and fans its outcomes back
// to the waiters for this release. It never returns an error itself: a
// batch failure is reflected into every waiter in the slice, not into the
// underlying task's own completion.
func (b *Batcher[I, O]) runBatch(ctx context.Context, items []I, waiters []*resultWaiter[O]) {
	var zero O
	outcomes, err := b.generator(ctx, items)

	b.mu.Lock()
	b.activeBatchCount--
	b.mu.Unlock()

	switch {
	case err != nil:
		for _, w := range waiters {
			w.settle(zero, err)
		}
	case len(outcomes) != len(items):
		for _, w := range waiters {
			w.settle(zero, pool.ErrOutputLengthMismatch)
		}
	default:
		var retryItems []I
		var retryWaiters []*resultWaiter[O]
		for i, oc := range outcomes {
			switch {
			case oc.retry:
				retryItems = append(retryItems, items[i])
				retryWaiters = append(retryWaiters, waiters[i])
			case oc.err != nil:
				waiters[i].settle(zero, oc.err)
			default:
				waiters[i].settle(oc.value, nil)
			}
		}
		if len(retryItems) > 0 {
			b.requeueFront(retryItems, retryWaiters)
		}
	}

	logging.BatchFlushed(len(items), "release")
	b.evaluateRelease()
}

// requeueFront re-inserts retried items at the front of the queue,
// preserving their original relative order.
func (b *Batcher[I, O]) requeueFront(items []I, waiters []*resultWaiter[O]) {
	b.mu.Lock()
	b.inputQueue = append(append([]I(nil), items...), b.inputQueue...)
	b.waiters = append(append([]*resultWaiter[O](nil), waiters...), b.waiters...)
	b.mu.Unlock()
}

// evaluateRelease implements the request-time release policy: immediate
// release once the queue reaches maxBatchSize, otherwise a delayed release
// once the queue reaches the threshold for the current concurrency level.
func (b *Batcher[I, O]) evaluateRelease() {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}

	qlen := len(b.inputQueue)
	if b.maxBatchSize > 0 && qlen >= b.maxBatchSize {
		b.cancelScheduledLocked()
		b.mu.Unlock()
		b.task.Resume()
		return
	}

	if b.releaseScheduled {
		b.mu.Unlock()
		return
	}

	level := b.activeBatchCount
	if maxLevel := len(b.queuingThresholds) - 1; level > maxLevel {
		level = maxLevel
	}
	threshold := b.queuingThresholds[level]
	if qlen < threshold {
		b.mu.Unlock()
		return
	}

	b.releaseScheduled = true
	b.releaseTimer = time.AfterFunc(b.queuingDelay, b.fireScheduledRelease)
	b.mu.Unlock()
}

func (b *Batcher[I, O]) fireScheduledRelease() {
	b.mu.Lock()
	b.releaseScheduled = false
	b.releaseTimer = nil
	b.mu.Unlock()
	b.task.Resume()
}

// cancelScheduledLocked requires b.mu held.
func (b *Batcher[I, O]) cancelScheduledLocked() {
	if b.releaseTimer != nil {
		b.releaseTimer.Stop()
		b.releaseTimer = nil
	}
	b.releaseScheduled = false
}
