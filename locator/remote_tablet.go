// Package locator maps partition keys to tablets and tablets to their
// replica sets. Lookups go through an ordered range cache backed by a
// Directory; cached topology is read-shared by all invokers and only
// replaced wholesale when a fresh lookup arrives.
package locator

import (
	"fmt"
	"sync"

	"github.com/tabkv/tabkv/tserver"
)

// Replica is one copy of a tablet on one node. Proximity is a
// dimensionless distance hint from this client; lower is closer.
type Replica struct {
	Node      tserver.NodeID
	Addr      string
	Proximity int
}

// RemoteTablet is the client-side view of one tablet: its key span,
// replica set and last known leader. The leader hint is advisory and
// may lag an election; invokers correct it from NOT_THE_LEADER
// responses.
type RemoteTablet struct {
	id       tserver.TabletID
	startKey []byte
	endKey   []byte

	mu       sync.RWMutex
	replicas []Replica
	leader   tserver.NodeID
}

func NewRemoteTablet(id tserver.TabletID, startKey, endKey []byte, replicas []Replica, leader tserver.NodeID) *RemoteTablet {
	rt := &RemoteTablet{id: id, startKey: startKey, endKey: endKey, leader: leader}
	rt.replicas = append(rt.replicas, replicas...)
	return rt
}

func (rt *RemoteTablet) ID() tserver.TabletID { return rt.id }
func (rt *RemoteTablet) StartKey() []byte     { return rt.startKey }
func (rt *RemoteTablet) EndKey() []byte       { return rt.endKey }

// Replicas returns a copy of the replica set.
func (rt *RemoteTablet) Replicas() []Replica {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]Replica, len(rt.replicas))
	copy(out, rt.replicas)
	return out
}

// Leader returns the last known leader node, zero if unknown.
func (rt *RemoteTablet) Leader() tserver.NodeID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.leader
}

// UpdateLeader records a fresher leader hint. Hints naming a node
// outside the replica set are ignored.
func (rt *RemoteTablet) UpdateLeader(node tserver.NodeID) bool {
	if node == 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, r := range rt.replicas {
		if r.Node == node {
			rt.leader = node
			return true
		}
	}
	return false
}

// LeaderReplica returns the replica currently believed to lead.
func (rt *RemoteTablet) LeaderReplica() (Replica, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, r := range rt.replicas {
		if r.Node == rt.leader {
			return r, true
		}
	}
	return Replica{}, false
}

func (rt *RemoteTablet) String() string {
	return fmt.Sprintf("tablet %s [%q, %q)", rt.id, rt.startKey, rt.endKey)
}
