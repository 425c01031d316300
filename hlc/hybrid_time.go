// Package hlc provides the hybrid time representation used by the
// transaction layer: a physical microsecond component plus a logical
// counter that breaks ties between events within the same microsecond.
package hlc

import (
	"fmt"
	"time"
)

// HybridTime packs physical microseconds since the unix epoch into the
// high bits and a logical counter into the low LogicalBits bits.
type HybridTime uint64

const (
	LogicalBits = 12
	logicalMask = (1 << LogicalBits) - 1
)

const (
	// Invalid is the zero HybridTime; no valid event carries it.
	Invalid HybridTime = 0
	// Max sorts after every valid HybridTime.
	Max HybridTime = ^HybridTime(0)
)

// FromMicros builds a HybridTime with zero logical component.
func FromMicros(micros int64) HybridTime {
	return HybridTime(uint64(micros) << LogicalBits)
}

// FromTime converts a wall time, dropping sub-microsecond precision.
func FromTime(t time.Time) HybridTime {
	return FromMicros(t.UnixNano() / int64(time.Microsecond))
}

// Physical returns the microsecond component.
func (ht HybridTime) Physical() int64 {
	return int64(ht >> LogicalBits)
}

// Logical returns the tie-breaking counter.
func (ht HybridTime) Logical() uint32 {
	return uint32(ht & logicalMask)
}

// AddMicros shifts the physical component, preserving the logical one.
func (ht HybridTime) AddMicros(micros int64) HybridTime {
	return HybridTime(int64(ht) + micros<<LogicalBits)
}

// AddDuration shifts the physical component by a wall duration.
func (ht HybridTime) AddDuration(d time.Duration) HybridTime {
	return ht.AddMicros(int64(d / time.Microsecond))
}

// Next returns the smallest HybridTime greater than ht.
func (ht HybridTime) Next() HybridTime {
	return ht + 1
}

func (ht HybridTime) Valid() bool {
	return ht != Invalid
}

func (ht HybridTime) String() string {
	if ht == Invalid {
		return "<invalid>"
	}
	if ht == Max {
		return "<max>"
	}
	return fmt.Sprintf("{physical: %d, logical: %d}", ht.Physical(), ht.Logical())
}
