package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/undefinedlabs/go-mpatch"
)

// safeUnpatch unpatches p if non-nil, panicking on failure since it
// indicates a broken test setup rather than a real assertion failure.
func safeUnpatch(p *mpatch.Patch) {
	if p == nil {
		return
	}
	if err := p.Unpatch(); err != nil {
		panic(err)
	}
}

func TestGroupSetConcurrencyLimitValidation(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	g, err := p.AddGroup(0, 0, 0)
	require.NoError(t, err)

	err = g.SetConcurrencyLimit(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = g.SetConcurrencyLimit(-1)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	require.NoError(t, g.SetConcurrencyLimit(3))
	assert.Equal(t, float64(3), g.ConcurrencyLimit())

	g.ResetConcurrencyLimit()
	assert.Equal(t, Unlimited, g.ConcurrencyLimit())
}

func TestGroupFreeSlotsAccountsForBothLimits(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	g, err := p.AddGroup(2, 5, time.Second)
	require.NoError(t, err)

	assert.Equal(t, float64(2), g.FreeSlots())

	p.mu.Lock()
	g.recordStart(time.Now())
	p.mu.Unlock()

	assert.Equal(t, float64(1), g.FreeSlots())
}

func TestGroupTrimFrequencyStartsDropsAgedEntries(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	patch, err := mpatch.PatchMethod(time.Now, func() time.Time { return base })
	require.NoError(t, err)
	defer safeUnpatch(patch)

	p, err := New()
	require.NoError(t, err)
	g, err := p.AddGroup(Unlimited, 1, time.Second)
	require.NoError(t, err)

	p.mu.Lock()
	g.recordStart(base)
	p.mu.Unlock()

	assert.Equal(t, float64(0), g.FreeSlots())

	patch2, err := mpatch.PatchMethod(time.Now, func() time.Time { return base.Add(2 * time.Second) })
	require.NoError(t, err)
	defer safeUnpatch(patch2)

	assert.Equal(t, float64(1), g.FreeSlots())
}

func TestGroupWaitForIdleReturnsRejection(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	g, err := p.AddGroup(0, 0, 0)
	require.NoError(t, err)

	boom := assertErr("boom")
	p.mu.Lock()
	g.activeTaskCount = 1
	g.reject(boom)
	p.mu.Unlock()

	err = g.WaitForIdle(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestGroupWaitForIdleResolvesOnDecrementTasks(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	g, err := p.AddGroup(0, 0, 0)
	require.NoError(t, err)

	p.mu.Lock()
	g.activeTaskCount = 1
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- g.WaitForIdle(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	p.mu.Lock()
	g.decrementTasks()
	p.mu.Unlock()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForIdle did not resolve")
	}
}

type testError string

func (e testError) Error() string { return string(e) }

func assertErr(msg string) error { return testError(msg) }
