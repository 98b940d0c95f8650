package pool

import (
	"context"
	"math"
	"time"

	"github.com/emptyset-io/taskpool/internal/logging"
)

// DefaultFrequencyWindow is the window used when a Group's frequency window
// is reset to its default, matching spec.md §3's 1000ms default.
const DefaultFrequencyWindow = time.Second

// Unlimited is the sentinel used for a disabled concurrency or frequency
// limit, the Go stand-in for the original source's `Infinity`.
var Unlimited = math.Inf(1)

// Group is one set of {concurrency, frequency} limits shared by any number
// of tasks. It answers "busy until when?" for the scheduler and is the unit
// of rejection propagation: a task's failure is pushed onto every group it
// belongs to so that waitForIdle callers observe it too.
//
// All fields are guarded by the owning Pool's mutex; Group has no lock of
// its own. This is what spec.md §5 calls the single logical thread of
// control — here realized as "everyone takes turns holding pool.mu", not as
// a dedicated goroutine.
type Group struct {
	pool *Pool

	concurrencyLimit float64
	frequencyLimit   float64
	frequencyWindow  time.Duration

	activeTaskCount    int
	activePromiseCount int
	frequencyStarts    []time.Time

	idleWaiters []*future[struct{}]

	rejection       error
	recentRejection bool
	locallyHandled  bool
	secondary       []error
}

func newGroup(p *Pool) *Group {
	return &Group{
		pool:            p,
		concurrencyLimit: Unlimited,
		frequencyLimit:   Unlimited,
		frequencyWindow:  DefaultFrequencyWindow,
	}
}

// ConcurrencyLimit returns the group's current concurrency limit.
func (g *Group) ConcurrencyLimit() float64 {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.concurrencyLimit
}

// SetConcurrencyLimit sets the maximum number of simultaneously outstanding
// operations this group will allow. limit must be positive (use Unlimited to
// disable the constraint); NaN or non-positive values fail with
// ErrInvalidConfig.
func (g *Group) SetConcurrencyLimit(limit float64) error {
	if err := validatePositiveLimit(limit); err != nil {
		return invalidConfig("concurrencyLimit", err)
	}
	g.pool.mu.Lock()
	g.concurrencyLimit = limit
	g.pool.mu.Unlock()
	g.pool.requestTrigger()
	return nil
}

// ResetConcurrencyLimit restores the default (Unlimited), the Go stand-in
// for writing a nullish value to the property in the original source.
func (g *Group) ResetConcurrencyLimit() {
	g.pool.mu.Lock()
	g.concurrencyLimit = Unlimited
	g.pool.mu.Unlock()
	g.pool.requestTrigger()
}

// FrequencyLimit returns the group's current frequency limit.
func (g *Group) FrequencyLimit() float64 {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.frequencyLimit
}

// SetFrequencyLimit sets the maximum number of operation starts permitted
// within FrequencyWindow. See SetConcurrencyLimit for validation rules.
func (g *Group) SetFrequencyLimit(limit float64) error {
	if err := validatePositiveLimit(limit); err != nil {
		return invalidConfig("frequencyLimit", err)
	}
	g.pool.mu.Lock()
	g.frequencyLimit = limit
	g.pool.mu.Unlock()
	g.pool.requestTrigger()
	return nil
}

// ResetFrequencyLimit restores the default (Unlimited).
func (g *Group) ResetFrequencyLimit() {
	g.pool.mu.Lock()
	g.frequencyLimit = Unlimited
	g.pool.mu.Unlock()
	g.pool.requestTrigger()
}

// FrequencyWindow returns the group's current frequency window.
func (g *Group) FrequencyWindow() time.Duration {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.frequencyWindow
}

// SetFrequencyWindow sets the sliding window over which FrequencyLimit is
// enforced. window must be positive.
func (g *Group) SetFrequencyWindow(window time.Duration) error {
	if window <= 0 {
		return invalidConfig("frequencyWindow", errNonPositiveDuration)
	}
	g.pool.mu.Lock()
	g.frequencyWindow = window
	g.pool.mu.Unlock()
	g.pool.requestTrigger()
	return nil
}

// ResetFrequencyWindow restores the default (DefaultFrequencyWindow).
func (g *Group) ResetFrequencyWindow() {
	g.pool.mu.Lock()
	g.frequencyWindow = DefaultFrequencyWindow
	g.pool.mu.Unlock()
	g.pool.requestTrigger()
}

// ActiveTaskCount returns the number of tasks currently affiliated with this
// group that have not yet terminated.
func (g *Group) ActiveTaskCount() int {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.activeTaskCount
}

// ActivePromiseCount returns the number of outstanding operations this group
// is currently tracking.
func (g *Group) ActivePromiseCount() int {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	return g.activePromiseCount
}

// FreeSlots returns how many additional operations this group could start
// right now, accounting for both its concurrency and frequency limits.
func (g *Group) FreeSlots() float64 {
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	g.trimFrequencyStarts(time.Now())
	return g.freeSlotsLocked()
}

// freeSlotsLocked requires pool.mu to be held and an up to date trim.
func (g *Group) freeSlotsLocked() float64 {
	concurrencySlots := g.concurrencyLimit - float64(g.activePromiseCount)
	frequencySlots := g.frequencyLimit - float64(len(g.frequencyStarts))
	if concurrencySlots < frequencySlots {
		return concurrencySlots
	}
	return frequencySlots
}

// trimFrequencyStarts drops every timestamp that has aged out of the
// window. Requires pool.mu held. Skips the slice scan entirely when
// frequency is unlimited, per spec.md §4.1.
func (g *Group) trimFrequencyStarts(now time.Time) {
	if math.IsInf(g.frequencyLimit, 1) {
		return
	}
	cutoff := now.Add(-g.frequencyWindow)
	i := 0
	for i < len(g.frequencyStarts) && !g.frequencyStarts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.frequencyStarts = append(g.frequencyStarts[:0], g.frequencyStarts[i:]...)
	}
}

// busyTime requires pool.mu held and the group already trimmed against now.
func (g *Group) busyTime(now time.Time) busyTime {
	if float64(g.activePromiseCount) >= g.concurrencyLimit {
		return infiniteBusy()
	}
	if !math.IsInf(g.frequencyLimit, 1) && len(g.frequencyStarts) >= int(g.frequencyLimit) {
		return busyUntil(g.frequencyStarts[0].Add(g.frequencyWindow))
	}
	return readyNow()
}

// recordStart requires pool.mu held. Call once per operation started,
// before the operation's goroutine is launched.
func (g *Group) recordStart(now time.Time) {
	g.activePromiseCount++
	if !math.IsInf(g.frequencyLimit, 1) {
		g.frequencyStarts = append(g.frequencyStarts, now)
	}
}

// recordCompletion requires pool.mu held.
func (g *Group) recordCompletion() {
	g.activePromiseCount--
}

// WaitForIdle blocks until ActiveTaskCount reaches 0 with no pending
// rejection (or ctx is done), returning the rejection instead if one
// arrives while waiting. If a sticky rejection is already set it is
// returned immediately and marked as locally handled.
func (g *Group) WaitForIdle(ctx context.Context) error {
	g.pool.mu.Lock()
	if g.rejection != nil {
		g.locallyHandled = true
		for i := range g.secondary {
			_ = g.secondary[i] // secondary rejections are discarded, never reported
		}
		g.secondary = nil
		err := g.rejection
		g.pool.mu.Unlock()
		return err
	}
	if g.activeTaskCount < 1 {
		g.pool.mu.Unlock()
		return nil
	}
	fut := newFuture[struct{}]()
	g.idleWaiters = append(g.idleWaiters, fut)
	g.pool.mu.Unlock()

	_, err := fut.wait(ctx)
	return err
}

// reject requires pool.mu held. Implements the sticky-rejection /
// deferred-clear handshake from spec.md §4.1.
func (g *Group) reject(failure error) {
	if g.rejection == nil {
		logGroupRejected(g, failure)
		g.rejection = failure
		if len(g.idleWaiters) > 0 {
			for _, w := range g.idleWaiters {
				w.settle(struct{}{}, failure)
			}
			g.idleWaiters = nil
			g.locallyHandled = true
		}
		g.recentRejection = true
		g.scheduleDeferredClear()
		return
	}
	if g.locallyHandled {
		return
	}
	g.secondary = append(g.secondary, failure)
}

// scheduleDeferredClear requires pool.mu held. Schedules the one-tick grace
// period described in spec.md §4.1: on the next turn, if no task is still
// affiliated, the sticky rejection is dropped silently.
func (g *Group) scheduleDeferredClear() {
	p := g.pool
	time.AfterFunc(0, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		g.recentRejection = false
		if g.activeTaskCount < 1 {
			g.rejection = nil
			g.locallyHandled = false
			g.secondary = nil
		}
	})
}

// decrementTasks requires pool.mu held. Called whenever a task detaches from
// this group.
func (g *Group) decrementTasks() {
	g.activeTaskCount--
	if g.activeTaskCount < 1 {
		if !g.recentRejection && g.rejection != nil {
			g.rejection = nil
			g.locallyHandled = false
			g.secondary = nil
			return
		}
		for _, w := range g.idleWaiters {
			w.settle(struct{}{}, nil)
		}
		g.idleWaiters = nil
	}
}

func validatePositiveLimit(limit float64) error {
	if math.IsNaN(limit) {
		return errNaNLimit
	}
	if limit <= 0 {
		return errNonPositiveLimit
	}
	return nil
}

func logGroupRejected(g *Group, err error) {
	logging.GroupRejected(err)
}
