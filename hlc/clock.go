package hlc

import (
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Clock supplies skew-bounded hybrid timestamps. Now returns the
// current reading together with the global limit: the highest hybrid
// time any node in the cluster may have assigned so far, i.e. the
// upper edge of the uncertainty window.
type Clock interface {
	Init() error
	Now() (now HybridTime, globalLimit HybridTime)
}

// WallClock is a Clock over the machine's wall time. Readings are
// monotonically increasing even if the underlying wall time steps
// backwards; ties within one microsecond advance the logical counter.
type WallClock struct {
	maxSkew time.Duration
	last    atomic.Uint64
}

func NewWallClock(maxSkew time.Duration) *WallClock {
	return &WallClock{maxSkew: maxSkew}
}

func (c *WallClock) Init() error {
	if c.maxSkew < 0 {
		return errors.New("max clock skew must not be negative")
	}
	c.Now()
	return nil
}

func (c *WallClock) Now() (HybridTime, HybridTime) {
	for {
		last := c.last.Load()
		now := uint64(FromTime(time.Now()))
		if now <= last {
			now = last + 1
		}
		if c.last.CAS(last, now) {
			ht := HybridTime(now)
			return ht, ht.AddDuration(c.maxSkew)
		}
	}
}

// ManualClock is a Clock whose reading only moves when told to.
// Intended for tests that need precise control over the uncertainty
// window.
type ManualClock struct {
	maxSkew time.Duration
	now     atomic.Uint64
}

func NewManualClock(start HybridTime, maxSkew time.Duration) *ManualClock {
	c := &ManualClock{maxSkew: maxSkew}
	c.now.Store(uint64(start))
	return c
}

func (c *ManualClock) Init() error {
	return nil
}

func (c *ManualClock) Now() (HybridTime, HybridTime) {
	// Every reading still has to be distinct, otherwise two commits
	// observed back to back could share a hybrid time.
	ht := HybridTime(c.now.Inc())
	return ht, ht.AddDuration(c.maxSkew)
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.now.Add(uint64(HybridTime(0).AddDuration(d)))
}

// Set jumps the clock to the given time. Moving backwards panics.
func (c *ManualClock) Set(ht HybridTime) {
	if uint64(ht) < c.now.Load() {
		panic("manual clock moved backwards")
	}
	c.now.Store(uint64(ht))
}
