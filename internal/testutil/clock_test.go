package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualClock_StartsAtGivenTime(t *testing.T) {
	c := NewManualClock(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestManualClock_AdvanceMovesTime(t *testing.T) {
	c := NewManualClock(epoch)

	c.Advance(3 * time.Second)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())

	c.Set(epoch) // backwards is ignored
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestManualClock_FiresInDueOrder(t *testing.T) {
	c := NewManualClock(epoch)

	var fired []string
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })
	assert.Equal(t, 3, c.Pending())

	c.Advance(4 * time.Second)
	assert.Equal(t, []string{"a"}, fired)

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManualClock_CallbackSeesDueTime(t *testing.T) {
	c := NewManualClock(epoch)

	var at time.Time
	c.AfterFunc(2*time.Second, func() { at = c.Now() })
	c.Advance(10 * time.Second)

	assert.Equal(t, epoch.Add(2*time.Second), at)
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
}

func TestManualClock_ZeroDelayFiresOnNextAdvance(t *testing.T) {
	c := NewManualClock(epoch)

	fired := false
	c.AfterFunc(0, func() { fired = true })
	assert.False(t, fired)

	c.Advance(0)
	assert.True(t, fired)
}

func TestManualClock_Stop(t *testing.T) {
	c := NewManualClock(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports nothing to stop")

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestManualClock_CallbackMayArmTimers(t *testing.T) {
	c := NewManualClock(epoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestManualClock_ThreadSafe(t *testing.T) {
	c := NewManualClock(epoch)
	const numGoroutines = 50

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(i int) {
			defer wg.Done()
			c.AfterFunc(time.Duration(i)*time.Millisecond, func() {
				mu.Lock()
				fired++
				mu.Unlock()
			})
		}(i)
	}
	wg.Wait()
	require.Equal(t, numGoroutines, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, numGoroutines, fired)
}
