package rpc

import (
	"github.com/tabkv/tabkv/locator"
	"github.com/tabkv/tabkv/tserver"
)

// SelectionPolicy decides which replica of a tablet serves an
// invocation.
type SelectionPolicy int32

const (
	// LeaderOnly targets the known leader. Required for writes and
	// strict reads.
	LeaderOnly SelectionPolicy = iota
	// ClosestReplica targets the topologically closest replica not yet
	// ruled out, leader or not. Used for operations that tolerate
	// being served by a follower, such as transaction status queries.
	ClosestReplica
)

func (p SelectionPolicy) String() string {
	switch p {
	case LeaderOnly:
		return "leader-only"
	case ClosestReplica:
		return "closest-replica"
	}
	return "unknown"
}

// selectReplica picks a target under the policy, skipping replicas in
// the invocation's rejection set. Returns false when no candidate is
// left and the caller has to refresh topology.
func selectReplica(policy SelectionPolicy, rt *locator.RemoteTablet, rejected map[tserver.NodeID]bool) (locator.Replica, bool) {
	switch policy {
	case LeaderOnly:
		rep, ok := rt.LeaderReplica()
		if !ok || rejected[rep.Node] {
			return locator.Replica{}, false
		}
		return rep, true
	case ClosestReplica:
		leader := rt.Leader()
		var best locator.Replica
		found := false
		for _, rep := range rt.Replicas() {
			if rejected[rep.Node] {
				continue
			}
			if !found || rep.Proximity < best.Proximity ||
				(rep.Proximity == best.Proximity && rep.Node == leader) {
				best = rep
				found = true
			}
		}
		return best, found
	}
	return locator.Replica{}, false
}
