package pool

import (
	"context"
	"sync"
	"time"

	"github.com/emptyset-io/taskpool/internal/logging"
)

// operationWarnThreshold is the number of operations started in a single
// trigger-loop pass above which the loop logs a warning. The warning is all
// it does: no task is throttled or deferred when it is exceeded.
const operationWarnThreshold = 100000

// taskHandle is the interface the scheduler drives every affiliated task
// through, regardless of its generic result type. All methods require
// pool.mu held by the caller.
type taskHandle interface {
	busyTimeLocked(now time.Time) busyTime
	advance(now time.Time)
	stateLocked() State
	exclusiveGroup() *Group
}

// Pool is the trigger-loop scheduler: the root group every task implicitly
// belongs to, plus the bookkeeping needed to re-evaluate every affiliated
// task whenever something might have changed (a task or group limit was
// adjusted, an operation completed, a timer fired).
type Pool struct {
	mu sync.Mutex

	global *Group
	tasks  []taskHandle

	triggering   bool
	triggerAgain bool
	timer        *time.Timer

	wg sync.WaitGroup
}

// New creates a Pool. The WithConcurrencyLimit and WithFrequencyLimit
// options configure the pool-wide group that every task is implicitly
// affiliated with in addition to its own exclusive group; without them both
// limits are Unlimited.
func New(opts ...PoolOption) (*Pool, error) {
	p := &Pool{}
	p.global = newGroup(p)
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// PoolOption configures a Pool at construction time.
type PoolOption func(*Pool) error

// WithConcurrencyLimit caps the number of operations outstanding across the
// whole pool at once, regardless of which task or group they belong to.
func WithConcurrencyLimit(limit float64) PoolOption {
	return func(p *Pool) error {
		if err := validatePositiveLimit(limit); err != nil {
			return invalidConfig("concurrencyLimit", err)
		}
		p.global.concurrencyLimit = limit
		return nil
	}
}

// WithFrequencyLimit caps the number of operation starts permitted within
// window across the whole pool.
func WithFrequencyLimit(limit float64, window time.Duration) PoolOption {
	return func(p *Pool) error {
		if err := validatePositiveLimit(limit); err != nil {
			return invalidConfig("frequencyLimit", err)
		}
		if window <= 0 {
			return invalidConfig("frequencyWindow", errNonPositiveDuration)
		}
		p.global.frequencyLimit = limit
		p.global.frequencyWindow = window
		return nil
	}
}

// AddGroup creates and registers a new Group on this pool with the given
// limits. Zero means "use the default" for each, matching TaskOptions.
func (p *Pool) AddGroup(concurrencyLimit, frequencyLimit float64, frequencyWindow time.Duration) (*Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g := newGroup(p)
	if concurrencyLimit != 0 {
		if err := validatePositiveLimit(concurrencyLimit); err != nil {
			return nil, invalidConfig("concurrencyLimit", err)
		}
		g.concurrencyLimit = concurrencyLimit
	}
	if frequencyLimit != 0 {
		if err := validatePositiveLimit(frequencyLimit); err != nil {
			return nil, invalidConfig("frequencyLimit", err)
		}
		g.frequencyLimit = frequencyLimit
	}
	if frequencyWindow != 0 {
		if frequencyWindow < 0 {
			return nil, invalidConfig("frequencyWindow", errNonPositiveDuration)
		}
		g.frequencyWindow = frequencyWindow
	}
	return g, nil
}

// ConcurrencyLimit, FrequencyLimit, FrequencyWindow, and their Set/Reset
// counterparts delegate to the pool's global group, letting a Pool be used
// anywhere a *Group is expected for pool-wide limits.
func (p *Pool) ConcurrencyLimit() float64              { return p.global.ConcurrencyLimit() }
func (p *Pool) SetConcurrencyLimit(limit float64) error { return p.global.SetConcurrencyLimit(limit) }
func (p *Pool) ResetConcurrencyLimit()                  { p.global.ResetConcurrencyLimit() }
func (p *Pool) FrequencyLimit() float64                 { return p.global.FrequencyLimit() }
func (p *Pool) SetFrequencyLimit(limit float64) error   { return p.global.SetFrequencyLimit(limit) }
func (p *Pool) ResetFrequencyLimit()                    { p.global.ResetFrequencyLimit() }
func (p *Pool) FrequencyWindow() time.Duration          { return p.global.FrequencyWindow() }
func (p *Pool) SetFrequencyWindow(w time.Duration) error { return p.global.SetFrequencyWindow(w) }
func (p *Pool) ResetFrequencyWindow()                   { p.global.ResetFrequencyWindow() }
func (p *Pool) ActiveTaskCount() int                    { return p.global.ActiveTaskCount() }
func (p *Pool) ActivePromiseCount() int                 { return p.global.ActivePromiseCount() }
func (p *Pool) FreeSlots() float64                      { return p.global.FreeSlots() }

// WaitForIdle blocks until no task remains affiliated with the pool, or
// returns the pool's sticky rejection if one has occurred.
func (p *Pool) WaitForIdle(ctx context.Context) error { return p.global.WaitForIdle(ctx) }

// registerTask requires pool.mu held. Called by AddTask once a newly
// constructed task needs scheduling.
func (p *Pool) registerTask(t taskHandle) {
	p.tasks = append(p.tasks, t)
}

// detachTask requires pool.mu held. Removes a task from the scheduler's
// roster once it reaches StateExhausted with no further role to play in
// triggerNow (it may still have outstanding operations draining, tracked
// only via its groups from here on).
func (p *Pool) detachTask(t taskHandle) {
	for i, other := range p.tasks {
		if other == t {
			p.tasks[i] = p.tasks[len(p.tasks)-1]
			p.tasks = p.tasks[:len(p.tasks)-1]
			return
		}
	}
}

// requestTrigger asks the scheduler to re-evaluate every task, coalescing
// with any trigger already in progress. This is the Go realization of
// spec.md §5's re-entrancy guard: triggerNow running on one goroutine sets
// triggering, and any call arriving while it runs just flags triggerAgain
// instead of recursing.
func (p *Pool) requestTrigger() {
	p.mu.Lock()
	if p.triggering {
		p.triggerAgain = true
		p.mu.Unlock()
		return
	}
	p.triggering = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.triggerLoop()
}

// triggerLoop repeatedly scans every affiliated task, starting whatever
// operations are currently free to start, until a full pass starts nothing
// new. It then arms a timer for the earliest busyTime among all tasks still
// waiting on a frequency window, and exits — requestTrigger (from a timer
// fire, a completed operation, or a config change) is what wakes it again.
func (p *Pool) triggerLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		p.stopTimerLocked()

		now := time.Now()
		started := 0
		nextWake := infiniteBusy()

		// advance() can call detachTask, which mutates p.tasks's backing
		// array by swap-removal. Iterate a snapshot so that mutation never
		// aliases the slice this loop is walking.
		snapshot := make([]taskHandle, len(p.tasks))
		copy(snapshot, p.tasks)

		for _, t := range snapshot {
			if t.stateLocked() == StateTerminated {
				continue
			}
			bt := t.busyTimeLocked(now)
			if bt.ready {
				t.advance(now)
				started++
				continue
			}
			nextWake = earlierOf(nextWake, bt)
		}

		if started > operationWarnThreshold {
			logging.Warn("pool started an unusually large number of operations in one pass", map[string]interface{}{"count": started})
		}

		if started == 0 {
			if !nextWake.infinite {
				p.armTimerLocked(nextWake.at)
			}
			if p.triggerAgain {
				p.triggerAgain = false
				p.mu.Unlock()
				continue
			}
			p.triggering = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// armTimerLocked requires pool.mu held.
func (p *Pool) armTimerLocked(at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	p.timer = time.AfterFunc(d, p.requestTrigger)
}

// stopTimerLocked requires pool.mu held.
func (p *Pool) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Wait blocks until every trigger pass in progress and every outstanding
// operation goroutine across the whole pool has returned. Unlike WaitForIdle, this does not fail on a task
// rejection: it is a pure shutdown barrier, useful in tests and at program
// exit.
func (p *Pool) Wait() {
	p.wg.Wait()
}
