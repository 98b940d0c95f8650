package pool

import (
	"context"
	"math"
	"time"

	"github.com/emptyset-io/taskpool/internal/logging"
)

// State is a Task's position in its lifecycle. Ordering matters: threshold
// tests throughout the scheduler compare states with <, exactly as spec.md
// §3 requires (Active < Paused < Exhausted < Terminated).
type State int

const (
	StateActive State = iota
	StatePaused
	StateExhausted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateExhausted:
		return "exhausted"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Operation is a single unit of deferred work produced by a Generator. It is
// called on its own goroutine; a return of (zero, err) is a failed
// operation, matching spec.md's "a thenable...awaited" and "non-promise
// value...already resolved" cases uniformly (Go has no separate notion of
// "already resolved" vs "awaited" — both are just a function call).
type Operation[T any] func(ctx context.Context) (T, error)

// Generator produces the operation for the given invocation index, or
// (nil, nil) to signal that the task has nothing more to do right now
// (spec.md's "nullish"). A non-nil error is a synchronous generator failure.
type Generator[T any] func(invocation int) (Operation[T], error)

// TaskOptions configures a generic task. See AddTask.
type TaskOptions[T any] struct {
	// Generator is required.
	Generator Generator[T]

	// InvocationLimit caps how many operations the generator may produce.
	// nil means Unlimited. A pointer to 0 (or a negative value) ends the
	// task immediately with an empty result, per spec.md §6.
	InvocationLimit *float64

	// ConcurrencyLimit, FrequencyLimit, and FrequencyWindow configure the
	// task's exclusive group. Zero means "use the default" for each (an
	// explicit zero concurrency/frequency limit is never valid anyway, so
	// the zero value doubles as the Go stand-in for "not provided").
	ConcurrencyLimit float64
	FrequencyLimit   float64
	FrequencyWindow  time.Duration

	// Groups lists additional groups this task should be affiliated with.
	// Every one of them must belong to the same Pool.
	Groups []*Group

	// Paused starts the task in StatePaused instead of StateActive.
	Paused bool

	// ResultConverter, if set, is applied exactly once to the ordered
	// result slice on successful termination. Its own panic or error
	// becomes the task's rejection (ConverterFailure).
	ResultConverter func([]T) (any, error)

	// onConstructed, if set, is invoked once with the newly built task
	// while the pool's lock is still held, before it is registered with
	// the scheduler. Unexported: it exists so package-internal helpers
	// (the Batch specialization) can close over the task they are
	// building without a construction-order race against the scheduler.
	onConstructed func(*Task[T])
}

// Task owns a generator and drives it under its affiliated groups' limits,
// aggregating results and exposing a single completion handle.
type Task[T any] struct {
	pool      *Pool
	generator Generator[T]
	groups    []*Group
	exclusive *Group

	invocations     int
	invocationLimit float64

	state      State
	generating bool

	results         map[int]T
	resultConverter func([]T) (any, error)

	rejection error
	done      *future[any]
}

// AddTask registers a generic task on the pool and starts driving it under
// the pool's scheduler. Go does not allow a generic method on a non-generic
// receiver, so this is a free function taking the pool explicitly — the
// same shape as, e.g., the standard library's slices.SortFunc.
func AddTask[T any](p *Pool, opts TaskOptions[T]) (*Task[T], error) {
	if opts.Generator == nil {
		return nil, invalidConfig("generator", errNilGenerator)
	}
	for _, g := range opts.Groups {
		if g.pool != p {
			return nil, ErrCrossPoolGroup
		}
	}

	invocationLimit := Unlimited
	if opts.InvocationLimit != nil {
		invocationLimit = *opts.InvocationLimit
		if math.IsNaN(invocationLimit) {
			return nil, invalidConfig("invocationLimit", errNaNLimit)
		}
	}

	p.mu.Lock()

	exclusive := newGroup(p)
	if opts.ConcurrencyLimit != 0 {
		if err := validatePositiveLimit(opts.ConcurrencyLimit); err != nil {
			p.mu.Unlock()
			return nil, invalidConfig("concurrencyLimit", err)
		}
		exclusive.concurrencyLimit = opts.ConcurrencyLimit
	}
	if opts.FrequencyLimit != 0 {
		if err := validatePositiveLimit(opts.FrequencyLimit); err != nil {
			p.mu.Unlock()
			return nil, invalidConfig("frequencyLimit", err)
		}
		exclusive.frequencyLimit = opts.FrequencyLimit
	}
	if opts.FrequencyWindow != 0 {
		if opts.FrequencyWindow < 0 {
			p.mu.Unlock()
			return nil, invalidConfig("frequencyWindow", errNonPositiveDuration)
		}
		exclusive.frequencyWindow = opts.FrequencyWindow
	}

	t := &Task[T]{
		pool:            p,
		generator:       opts.Generator,
		exclusive:       exclusive,
		invocationLimit: invocationLimit,
		resultConverter: opts.ResultConverter,
		results:         make(map[int]T),
		done:            newFuture[any](),
	}
	if opts.Paused {
		t.state = StatePaused
	}
	if opts.onConstructed != nil {
		opts.onConstructed(t)
	}

	t.groups = make([]*Group, 0, 2+len(opts.Groups))
	t.groups = append(t.groups, p.global, exclusive)
	t.groups = append(t.groups, opts.Groups...)
	for _, g := range t.groups {
		g.activeTaskCount++
	}
	logging.TaskStarted(invocationLimit, len(t.groups))

	if invocationLimit <= 0 {
		t.state = StateExhausted
		t.terminateLocked()
	} else {
		p.registerTask(t)
	}
	p.mu.Unlock()

	p.requestTrigger()
	return t, nil
}

// State returns the task's current lifecycle state.
func (t *Task[T]) State() State {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.state
}

// Invocations returns how many operations the generator has produced.
func (t *Task[T]) Invocations() int {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.invocations
}

// InvocationLimit returns the task's current invocation cap.
func (t *Task[T]) InvocationLimit() float64 {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.invocationLimit
}

// SetInvocationLimit adjusts the invocation cap. Setting it at or below the
// current invocation count ends the task. Raising it on an already
// StateExhausted task is a documented no-op: Exhausted is terminal except
// for letting outstanding operations drain (spec.md §9 Open Questions).
func (t *Task[T]) SetInvocationLimit(limit float64) error {
	if math.IsNaN(limit) {
		return invalidConfig("invocationLimit", errNaNLimit)
	}
	t.pool.mu.Lock()
	if t.state >= StateExhausted {
		t.pool.mu.Unlock()
		return nil
	}
	t.invocationLimit = limit
	if float64(t.invocations) >= limit {
		t.endLocked()
	}
	t.pool.mu.Unlock()
	t.pool.requestTrigger()
	return nil
}

// FreeSlots returns how many more operations this task could start right
// now: the lesser of its own remaining invocation budget and every
// affiliated group's FreeSlots.
func (t *Task[T]) FreeSlots() float64 {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	slots := t.invocationLimit - float64(t.invocations)
	for _, g := range t.groups {
		g.trimFrequencyStarts(time.Now())
		if s := g.freeSlotsLocked(); s < slots {
			slots = s
		}
	}
	return slots
}

// ActivePromiseCount returns the number of outstanding operations, which by
// construction equals the exclusive group's count.
func (t *Task[T]) ActivePromiseCount() int {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.exclusive.activePromiseCount
}

// Pause transitions an Active task to Paused. It is a no-op from any other
// state (spec.md §4.2: pause() is Active -> Paused only).
func (t *Task[T]) Pause() {
	t.pool.mu.Lock()
	if t.state == StateActive {
		t.state = StatePaused
	}
	t.pool.mu.Unlock()
}

// Resume transitions a Paused task back to Active and asks the scheduler to
// re-evaluate it.
func (t *Task[T]) Resume() {
	t.pool.mu.Lock()
	if t.state == StatePaused {
		t.state = StateActive
	}
	t.pool.mu.Unlock()
	t.pool.requestTrigger()
}

// End prevents any further generator invocation. Outstanding operations
// still run to completion; the task terminates once they do.
func (t *Task[T]) End() {
	t.pool.mu.Lock()
	t.endLocked()
	t.pool.mu.Unlock()
	t.pool.requestTrigger()
}

// Wait blocks until the task's completion promise settles, returning the
// final result (an []T, or whatever the ResultConverter produced) or the
// task's sticky rejection.
func (t *Task[T]) Wait(ctx context.Context) (any, error) {
	return t.done.wait(ctx)
}

// --- scheduler-facing, unexported ---

func (t *Task[T]) busyTime(now time.Time) busyTime {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.busyTimeLocked(now)
}

func (t *Task[T]) busyTimeLocked(now time.Time) busyTime {
	if t.state != StateActive {
		return infiniteBusy()
	}
	combined := readyNow()
	for _, g := range t.groups {
		combined = laterOf(combined, g.busyTime(now))
	}
	return combined
}

func (t *Task[T]) exclusiveGroup() *Group { return t.exclusive }

// stateLocked requires pool.mu held.
func (t *Task[T]) stateLocked() State { return t.state }

// advance requires pool.mu held; it is only ever called from the scheduler
// trigger loop. It releases and re-acquires the lock around the call into
// user code (the generator), which is this module's answer to the
// reentrancy the original source gets for free from being single-threaded:
// a generator that synchronously calls back into the pool (e.g. End()) must
// be able to acquire the lock afresh rather than deadlock on it.
func (t *Task[T]) advance(now time.Time) {
	invocation := t.invocations
	gen := t.generator
	t.generating = true
	t.pool.mu.Unlock()
	op, err := safeInvokeGenerator(gen, invocation)
	t.pool.mu.Lock()
	t.generating = false

	if err != nil {
		t.failLocked(&GeneratorFailure{Invocation: invocation, Err: err})
		return
	}
	if op == nil {
		if t.state != StatePaused {
			t.endLocked()
		}
		return
	}

	for _, g := range t.groups {
		g.recordStart(now)
	}
	resultIndex := invocation
	t.invocations++
	if float64(t.invocations) >= t.invocationLimit {
		t.endLocked()
	}

	t.pool.wg.Add(1)
	logging.Debug("operation started", map[string]interface{}{"invocation": invocation})
	go t.runOperation(op, resultIndex)
}

func (t *Task[T]) runOperation(op Operation[T], resultIndex int) {
	defer t.pool.wg.Done()
	value, err := safeRunOperation[T](op, context.Background())

	t.pool.mu.Lock()
	// The rejection path runs while this operation still counts as
	// outstanding, so the task cannot terminate (and resolve its groups'
	// idle waiters) before every group has been rejected.
	if err != nil {
		t.failLocked(&GeneratorFailure{Invocation: resultIndex, Err: err})
	}
	for _, g := range t.groups {
		g.recordCompletion()
	}
	if err == nil && t.results != nil {
		t.results[resultIndex] = value
	}
	// A completed operation must never be what *causes* the task to
	// leave Active/Paused (spec.md §4.2): only check for termination
	// here if something else already exhausted the task.
	t.maybeTerminateLocked()
	t.pool.mu.Unlock()
	t.pool.requestTrigger()
}

// endLocked requires pool.mu held. Forces the task out of Active/Paused into
// Exhausted (detaching it from the scheduler) if it isn't already there,
// then checks whether it can terminate immediately.
func (t *Task[T]) endLocked() {
	if t.state < StateExhausted {
		t.state = StateExhausted
		if t.exclusive.activeTaskCount > 0 {
			t.pool.detachTask(t)
		}
	}
	t.maybeTerminateLocked()
}

// maybeTerminateLocked requires pool.mu held. Terminates the task if it is
// already Exhausted (or further along), not mid-generator-call, and has no
// outstanding operations. Unlike endLocked, this never forces a task out of
// Active/Paused: an operation completing while the task is still Active or
// Paused must not itself exhaust the task.
func (t *Task[T]) maybeTerminateLocked() {
	if t.state >= StateExhausted && !t.generating && t.state < StateTerminated && t.exclusive.activePromiseCount <= 0 {
		t.terminateLocked()
	}
}

// terminateLocked requires pool.mu held.
func (t *Task[T]) terminateLocked() {
	t.state = StateTerminated
	logging.TaskTerminated(t.invocations, t.rejection != nil)
	for _, g := range t.groups {
		g.decrementTasks()
	}
	t.deliverResultLocked()
}

// failLocked requires pool.mu held. Implements spec.md §4.2's rejection
// path: first error wins, the completion promise is resolved immediately
// (not deferred until outstanding operations drain), and every affiliated
// group is told so waitForIdle observers see it too.
func (t *Task[T]) failLocked(err error) {
	if t.rejection != nil {
		logging.Debug("secondary task rejection dropped", map[string]interface{}{"error": err.Error()})
		return
	}
	t.rejection = err
	t.endLocked()
	t.done.settle(nil, err)
	for _, g := range t.groups {
		g.reject(err)
	}
}

// deliverResultLocked requires pool.mu held.
func (t *Task[T]) deliverResultLocked() {
	if t.rejection != nil {
		t.done.settle(nil, t.rejection)
		return
	}
	result := make([]T, t.invocations)
	for i := 0; i < t.invocations; i++ {
		if v, ok := t.results[i]; ok {
			result[i] = v
		}
	}
	t.results = nil

	converter := t.resultConverter
	if converter == nil {
		t.done.settle(any(result), nil)
		return
	}

	t.pool.mu.Unlock()
	converted, err := safeConvert(converter, result)
	t.pool.mu.Lock()
	if err != nil {
		cf := &ConverterFailure{Err: err}
		t.rejection = cf
		for _, g := range t.groups {
			g.reject(cf)
		}
		t.done.settle(nil, cf)
		return
	}
	t.done.settle(converted, nil)
}
