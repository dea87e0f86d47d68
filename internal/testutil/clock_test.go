package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StepsPerCall(t *testing.T) {
	clock := NewDeterministicClock(Epoch, time.Second)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), clock.Peek())
}

func TestDeterministicClock_ZeroStepIsFrozen(t *testing.T) {
	clock := NewDeterministicClock(Epoch, 0)

	assert.Equal(t, clock.Now(), clock.Now())

	clock.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), clock.Now())
}

func TestDeterministicClock_SetAndReset(t *testing.T) {
	clock := NewDeterministicClock(Epoch, time.Millisecond)
	later := time.Date(2027, 6, 1, 0, 0, 0, 123456789, time.UTC)

	clock.Set(later)
	assert.Equal(t, later.Truncate(time.Microsecond), clock.Peek())

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestDeterministicClock_ConcurrentCallsAreDistinct(t *testing.T) {
	clock := NewDeterministicClock(Epoch, time.Microsecond)

	const n = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[time.Time]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := clock.Now()
			mu.Lock()
			seen[ts] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	assert.Equal(t, Epoch.Add(n*time.Microsecond), clock.Peek())
}
