package txn

import (
	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/tserver"
)

// readPoint is the snapshot a transaction reads at. readTime is the
// snapshot time proper; globalLimit is the upper edge of the clock
// uncertainty window. A commit observed in (readTime, limit] is
// ambiguous and forces a restart. localLimits remembers, per tablet,
// the safe time seen on the first read of that tablet: later commits
// on the tablet are provably after our snapshot, so the window shrinks
// to min(globalLimit, localLimit) there. inTxnLimit bounds visibility
// of the transaction's own intents: a child transaction carries the
// parent's prepare point here so parent writes issued after the child
// was spawned stay invisible to it. Invalid means unbounded.
type readPoint struct {
	readTime    hlc.HybridTime
	globalLimit hlc.HybridTime
	inTxnLimit  hlc.HybridTime
	localLimits map[tserver.TabletID]hlc.HybridTime
}

func newReadPoint(clock hlc.Clock) readPoint {
	now, limit := clock.Now()
	return readPoint{
		readTime:    now,
		globalLimit: limit,
		localLimits: make(map[tserver.TabletID]hlc.HybridTime),
	}
}

// newReadPointAt builds a read point for an explicit, caller-supplied
// read time. Pinning the snapshot asserts that the caller accepts it
// as-is, so the uncertainty window collapses: commits after readTime
// are simply invisible, never ambiguous.
func newReadPointAt(readTime hlc.HybridTime) readPoint {
	return readPoint{
		readTime:    readTime,
		globalLimit: readTime,
		localLimits: make(map[tserver.TabletID]hlc.HybridTime),
	}
}

func (rp *readPoint) localLimit(id tserver.TabletID) hlc.HybridTime {
	if l, ok := rp.localLimits[id]; ok {
		return l
	}
	return hlc.Invalid
}

// observeSafeTime records the safe time reported by a tablet. Only the
// first observation counts; it is the tightest bound for commits that
// could predate our snapshot.
func (rp *readPoint) observeSafeTime(id tserver.TabletID, safeTime hlc.HybridTime) {
	if !safeTime.Valid() {
		return
	}
	if _, ok := rp.localLimits[id]; !ok {
		rp.localLimits[id] = safeTime
	}
}

func (rp *readPoint) cloneLocalLimits() map[tserver.TabletID]hlc.HybridTime {
	out := make(map[tserver.TabletID]hlc.HybridTime, len(rp.localLimits))
	for k, v := range rp.localLimits {
		out[k] = v
	}
	return out
}
