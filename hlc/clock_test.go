package hlc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridTimePacking(t *testing.T) {
	ht := FromMicros(1234567)
	assert.Equal(t, int64(1234567), ht.Physical())
	assert.Equal(t, uint32(0), ht.Logical())

	next := ht.Next()
	assert.Equal(t, int64(1234567), next.Physical())
	assert.Equal(t, uint32(1), next.Logical())
	assert.True(t, next > ht)

	later := ht.AddMicros(10)
	assert.Equal(t, int64(1234577), later.Physical())
	assert.Equal(t, ht.Logical(), later.Logical())

	assert.Equal(t, ht.AddMicros(2500), ht.AddDuration(2500*time.Microsecond))
	assert.False(t, Invalid.Valid())
	assert.True(t, ht.Valid())
	assert.True(t, Max > ht)
}

func TestWallClockMonotonic(t *testing.T) {
	c := NewWallClock(250 * time.Millisecond)
	require.NoError(t, c.Init())

	var mu sync.Mutex
	var all []HybridTime
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]HybridTime, 0, 1000)
			prev := HybridTime(0)
			for j := 0; j < 1000; j++ {
				now, limit := c.Now()
				assert.True(t, now > prev, "clock went backwards")
				assert.True(t, limit >= now)
				prev = now
				local = append(local, now)
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[HybridTime]bool, len(all))
	for _, ht := range all {
		assert.False(t, seen[ht], "duplicate reading %v", ht)
		seen[ht] = true
	}
}

func TestWallClockSkewBound(t *testing.T) {
	c := NewWallClock(500 * time.Millisecond)
	require.NoError(t, c.Init())
	now, limit := c.Now()
	assert.Equal(t, now.AddDuration(500*time.Millisecond), limit)
}

func TestManualClock(t *testing.T) {
	start := FromMicros(1_000_000)
	c := NewManualClock(start, 100*time.Millisecond)
	require.NoError(t, c.Init())

	a, limitA := c.Now()
	b, _ := c.Now()
	assert.True(t, a > start)
	assert.True(t, b > a, "readings must be distinct")
	assert.Equal(t, a.AddDuration(100*time.Millisecond), limitA)

	c.Advance(2 * time.Second)
	after, _ := c.Now()
	assert.True(t, after.Physical() >= a.Physical()+2_000_000)

	c.Set(FromMicros(10_000_000))
	jumped, _ := c.Now()
	assert.True(t, jumped > FromMicros(10_000_000))

	assert.Panics(t, func() { c.Set(start) })
}
