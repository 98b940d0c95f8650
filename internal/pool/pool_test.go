package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithOptionsValidation(t *testing.T) {
	_, err := New(WithConcurrencyLimit(-1))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(WithFrequencyLimit(5, 0))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p, err := New(WithConcurrencyLimit(4), WithFrequencyLimit(2, time.Second))
	require.NoError(t, err)
	assert.Equal(t, float64(4), p.ConcurrencyLimit())
	assert.Equal(t, float64(2), p.FrequencyLimit())
	assert.Equal(t, time.Second, p.FrequencyWindow())
}

func TestAddGroupValidation(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	_, err = p.AddGroup(-1, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = p.AddGroup(0, -1, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = p.AddGroup(0, 0, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	g, err := p.AddGroup(3, 5, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(3), g.ConcurrencyLimit())
	assert.Equal(t, float64(5), g.FrequencyLimit())
	assert.Equal(t, 2*time.Second, g.FrequencyWindow())
}

func TestPoolGlobalConcurrencyLimitThrottlesAcrossTasks(t *testing.T) {
	p, err := New(WithConcurrencyLimit(1))
	require.NoError(t, err)

	// Concurrency limit of 1 means each operation must fully serialize, so
	// appending to order with no extra locking is safe here.
	var order []int

	makeTask := func(id int) {
		started := make(chan struct{})
		limit := 1.0
		_, err := AddTask[int](p, TaskOptions[int]{
			InvocationLimit: &limit,
			Generator: func(invocation int) (Operation[int], error) {
				return func(ctx context.Context) (int, error) {
					close(started)
					order = append(order, id)
					time.Sleep(5 * time.Millisecond)
					return id, nil
				}, nil
			},
		})
		require.NoError(t, err)
		<-started
	}

	makeTask(1)
	makeTask(2)

	p.Wait()
	assert.Equal(t, []int{1, 2}, order)
}

func TestWaitForIdleSeesCrossTaskRejection(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	g, err := p.AddGroup(0, 0, 0)
	require.NoError(t, err)

	boom := testError("group boom")
	limit := 1.0
	_, err = AddTask[int](p, TaskOptions[int]{
		Groups:          []*Group{g},
		InvocationLimit: &limit,
		Generator: func(invocation int) (Operation[int], error) {
			return func(ctx context.Context) (int, error) {
				return 0, boom
			}, nil
		},
	})
	require.NoError(t, err)

	err = g.WaitForIdle(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestPoolWaitDrainsAllOutstandingOperations(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	limit := 5.0
	done := make(chan struct{})
	var count int32
	_, err = AddTask[int](p, TaskOptions[int]{
		InvocationLimit: &limit,
		Generator: func(invocation int) (Operation[int], error) {
			return func(ctx context.Context) (int, error) {
				if atomic.AddInt32(&count, 1) == 5 {
					close(done)
				}
				return invocation, nil
			}, nil
		},
	})
	require.NoError(t, err)

	p.Wait()
	select {
	case <-done:
	default:
		t.Fatal("expected all five invocations to have run before Wait returned")
	}
}

// TestConcurrencyLimitBelowInvocationLimitStillRunsEveryInvocation mirrors
// spec.md §8 scenario 1: a concurrencyLimit lower than invocationLimit means
// not every operation can be dispatched up front, so the first operations to
// complete do so while the task is still Active. That completion must not
// itself exhaust the task (regression test for the bug where a completed
// operation's bookkeeping unconditionally forced StateExhausted).
func TestConcurrencyLimitBelowInvocationLimitStillRunsEveryInvocation(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	limit := 3.0
	task, err := AddTask[int](p, TaskOptions[int]{
		InvocationLimit:  &limit,
		ConcurrencyLimit: 2,
		Generator: func(invocation int) (Operation[int], error) {
			return func(ctx context.Context) (int, error) {
				time.Sleep(10 * time.Millisecond)
				return invocation, nil
			}, nil
		},
	})
	require.NoError(t, err)

	result, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, result)
	assert.Equal(t, 3, task.Invocations())
}
