package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emptyset-io/taskpool/internal/pool"
)

func TestNewRejectsInvalidOptions(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	_, err = New[int, int](p, Options[int, int]{})
	assert.ErrorIs(t, err, pool.ErrInvalidConfig)

	zero := 0
	_, err = New[int, int](p, Options[int, int]{
		Generator:    func(ctx context.Context, items []int) ([]Outcome[int], error) { return nil, nil },
		MaxBatchSize: &zero,
	})
	assert.ErrorIs(t, err, pool.ErrInvalidConfig)

	negative := -time.Millisecond
	_, err = New[int, int](p, Options[int, int]{
		Generator:    func(ctx context.Context, items []int) ([]Outcome[int], error) { return nil, nil },
		QueuingDelay: &negative,
	})
	assert.ErrorIs(t, err, pool.ErrInvalidConfig)

	_, err = New[int, int](p, Options[int, int]{
		Generator:         func(ctx context.Context, items []int) ([]Outcome[int], error) { return nil, nil },
		QueuingThresholds: []int{1, 0},
	})
	assert.ErrorIs(t, err, pool.ErrInvalidConfig)
}

func TestGetResultReleasesImmediatelyAtMaxBatchSize(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	var mu sync.Mutex
	var batches [][]int

	size := 2
	b, err := New[int, int](p, Options[int, int]{
		MaxBatchSize: &size,
		Generator: func(ctx context.Context, items []int) ([]Outcome[int], error) {
			mu.Lock()
			batches = append(batches, append([]int(nil), items...))
			mu.Unlock()
			outcomes := make([]Outcome[int], len(items))
			for i, v := range items {
				outcomes[i] = Value(v * 2)
			}
			return outcomes, nil
		},
	})
	require.NoError(t, err)

	var results [2]int
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := b.GetResult(context.Background(), i+1)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{2, 4}, results[:])
	require.Len(t, batches, 1)
	assert.ElementsMatch(t, []int{1, 2}, batches[0])
}

// TestBatcherSurvivesMultipleReleases mirrors spec.md §8 scenario 5: with
// MaxBatchSize=2 and more than one batch worth of inputs, the same Batcher
// instance must release a second batch after the first completes, not just
// the first (regression test for the bug where a released batch's
// completion forced the underlying paused task to StateExhausted, leaving
// Resume() a permanent no-op for every subsequent release).
func TestBatcherSurvivesMultipleReleases(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	var mu sync.Mutex
	var batches [][]int

	size := 2
	b, err := New[int, int](p, Options[int, int]{
		MaxBatchSize: &size,
		Generator: func(ctx context.Context, items []int) ([]Outcome[int], error) {
			mu.Lock()
			batches = append(batches, append([]int(nil), items...))
			mu.Unlock()
			outcomes := make([]Outcome[int], len(items))
			for i, v := range items {
				outcomes[i] = Value(v * 10)
			}
			return outcomes, nil
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := b.GetResult(context.Background(), i+1)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{10, 20, 30, 40}, results)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 2, "expected two releases of two items each")
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
}

func TestGetResultReleasesAfterQueuingDelayBelowThreshold(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	delay := 20 * time.Millisecond
	b, err := New[int, int](p, Options[int, int]{
		QueuingDelay:      &delay,
		QueuingThresholds: []int{5},
		Generator: func(ctx context.Context, items []int) ([]Outcome[int], error) {
			outcomes := make([]Outcome[int], len(items))
			for i, v := range items {
				outcomes[i] = Value(v)
			}
			return outcomes, nil
		},
	})
	require.NoError(t, err)

	start := time.Now()
	v, err := b.GetResult(context.Background(), 7)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.GreaterOrEqual(t, elapsed, delay)
}

func TestSendForcesImmediateRelease(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	delay := time.Hour
	b, err := New[int, int](p, Options[int, int]{
		QueuingDelay:      &delay,
		QueuingThresholds: []int{100},
		Generator: func(ctx context.Context, items []int) ([]Outcome[int], error) {
			outcomes := make([]Outcome[int], len(items))
			for i, v := range items {
				outcomes[i] = Value(v)
			}
			return outcomes, nil
		},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		v, err := b.GetResult(context.Background(), 3)
		assert.NoError(t, err)
		assert.Equal(t, 3, v)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Send()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send did not force a release")
	}
}

func TestRetryOutcomeRequeuesAtFront(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	var mu sync.Mutex
	attempt := 0
	size := 2
	b, err := New[int, int](p, Options[int, int]{
		MaxBatchSize: &size,
		Generator: func(ctx context.Context, items []int) ([]Outcome[int], error) {
			mu.Lock()
			attempt++
			n := attempt
			mu.Unlock()

			outcomes := make([]Outcome[int], len(items))
			for i, v := range items {
				if v == 1 && n == 1 {
					outcomes[i] = Retry[int]()
					continue
				}
				outcomes[i] = Value(v * 100)
			}
			return outcomes, nil
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(map[int]int)
	var rmu sync.Mutex
	for _, v := range []int{1, 2} {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			got, err := b.GetResult(context.Background(), v)
			require.NoError(t, err)
			rmu.Lock()
			results[v] = got
			rmu.Unlock()
		}(v)
	}
	wg.Wait()

	assert.Equal(t, 100, results[1])
	assert.Equal(t, 200, results[2])
}

func TestOutputLengthMismatchFailsEveryWaiter(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	size := 2
	b, err := New[int, int](p, Options[int, int]{
		MaxBatchSize: &size,
		Generator: func(ctx context.Context, items []int) ([]Outcome[int], error) {
			return []Outcome[int]{Value(1)}, nil
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.GetResult(context.Background(), i)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, pool.ErrOutputLengthMismatch)
	}
}

func TestGeneratorFailureFailsEveryWaiter(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	boom := errors.New("batch call failed")
	size := 2
	b, err := New[int, int](p, Options[int, int]{
		MaxBatchSize: &size,
		Generator: func(ctx context.Context, items []int) ([]Outcome[int], error) {
			return nil, boom
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.GetResult(context.Background(), i)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
}

func TestEndRejectsPendingAndFutureWaiters(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)

	delay := time.Hour
	b, err := New[int, int](p, Options[int, int]{
		QueuingDelay:      &delay,
		QueuingThresholds: []int{100},
		Generator: func(ctx context.Context, items []int) ([]Outcome[int], error) {
			outcomes := make([]Outcome[int], len(items))
			for i, v := range items {
				outcomes[i] = Value(v)
			}
			return outcomes, nil
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := b.GetResult(context.Background(), 1)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.End()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, pool.ErrTaskEnded)
	case <-time.After(time.Second):
		t.Fatal("pending waiter was never rejected by End")
	}

	_, err = b.GetResult(context.Background(), 2)
	assert.ErrorIs(t, err, pool.ErrTaskEnded)
}
