// Package tabletserver is an in-memory, multi-node implementation of
// the tserver contract, intended for tests and local benchmarks. Each
// tablet's replicas share one authoritative store; leadership is a
// flag deciding which node may serve, so leader changes and follower
// rejections behave like the real thing while consensus itself stays
// out of scope.
package tabletserver

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/tabkv/tabkv/config"
	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/locator"
	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/tserver"
)

type node struct {
	id          tserver.NodeID
	addr        string
	proximity   int
	unreachable atomic.Bool
}

type Cluster struct {
	cfg   *config.Config
	clock hlc.Clock

	mu      sync.RWMutex
	nodes   map[tserver.NodeID]*node
	tablets map[tserver.TabletID]*tablet
	sorted  []*tablet
}

// NewCluster builds numNodes nodes and one tablet per keyspace span
// produced by splitting at splitKeys. Every tablet is replicated on
// every node; leaders are assigned round-robin.
func NewCluster(cfg *config.Config, clock hlc.Clock, numNodes int, splitKeys [][]byte) *Cluster {
	c := &Cluster{
		cfg:     cfg,
		clock:   clock,
		nodes:   make(map[tserver.NodeID]*node),
		tablets: make(map[tserver.TabletID]*tablet),
	}
	for i := 1; i <= numNodes; i++ {
		id := tserver.NodeID(i)
		c.nodes[id] = &node{id: id, addr: fmt.Sprintf("node-%d:9100", i), proximity: i}
	}

	bounds := make([][]byte, 0, len(splitKeys)+2)
	bounds = append(bounds, []byte{})
	bounds = append(bounds, splitKeys...)
	bounds = append(bounds, nil) // nil end key: extends to keyspace end
	for i := 0; i+1 < len(bounds); i++ {
		id := tserver.TabletID(fmt.Sprintf("tablet-%04d", i+1))
		leader := tserver.NodeID(i%numNodes + 1)
		tab := newTablet(id, bounds[i], bounds[i+1], leader)
		c.tablets[id] = tab
		c.sorted = append(c.sorted, tab)
	}
	log.Infof("tabletserver: cluster with %d nodes, %d tablets", numNodes, len(c.sorted))
	return c
}

// --- locator.Directory ---

func (c *Cluster) Locate(ctx context.Context, key []byte) (*locator.RemoteTablet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tab := range c.sorted {
		if bytes.Compare(key, tab.startKey) >= 0 &&
			(tab.endKey == nil || bytes.Compare(key, tab.endKey) < 0) {
			return c.remoteTabletLocked(tab), nil
		}
	}
	return nil, errors.Errorf("no tablet owns key %q", key)
}

func (c *Cluster) LocateTablet(ctx context.Context, id tserver.TabletID) (*locator.RemoteTablet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tab := c.tablets[id]
	if tab == nil {
		return nil, errors.Errorf("unknown tablet %s", id)
	}
	return c.remoteTabletLocked(tab), nil
}

func (c *Cluster) remoteTabletLocked(tab *tablet) *locator.RemoteTablet {
	replicas := make([]locator.Replica, 0, len(c.nodes))
	for _, n := range c.nodes {
		replicas = append(replicas, locator.Replica{Node: n.id, Addr: n.addr, Proximity: n.proximity})
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].Node < replicas[j].Node })
	return locator.NewRemoteTablet(tab.id, tab.startKey, tab.endKey, replicas, tab.currentLeader())
}

// --- rpc.ProxyProvider ---

func (c *Cluster) Proxy(rep locator.Replica) (tserver.TabletServerClient, error) {
	c.mu.RLock()
	n := c.nodes[rep.Node]
	c.mu.RUnlock()
	if n == nil {
		return nil, errors.Errorf("unknown node %d", rep.Node)
	}
	return &nodeClient{c: c, n: n}, nil
}

// --- fault and topology controls ---

func (c *Cluster) TransferLeadership(id tserver.TabletID, to tserver.NodeID) error {
	c.mu.RLock()
	tab := c.tablets[id]
	n := c.nodes[to]
	c.mu.RUnlock()
	if tab == nil {
		return errors.Errorf("unknown tablet %s", id)
	}
	if n == nil {
		return errors.Errorf("unknown node %d", to)
	}
	tab.setLeader(to)
	log.Infof("tabletserver: tablet %s leadership moved to node %d", id, to)
	return nil
}

func (c *Cluster) LeaderOf(id tserver.TabletID) tserver.NodeID {
	c.mu.RLock()
	tab := c.tablets[id]
	c.mu.RUnlock()
	if tab == nil {
		return 0
	}
	return tab.currentLeader()
}

// SetUnreachable makes every RPC to the node fail at transport level.
func (c *Cluster) SetUnreachable(id tserver.NodeID, v bool) {
	c.mu.RLock()
	n := c.nodes[id]
	c.mu.RUnlock()
	if n != nil {
		n.unreachable.Store(v)
	}
}

// SetProximity changes a node's distance hint as seen in lookups.
func (c *Cluster) SetProximity(id tserver.NodeID, proximity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.nodes[id]; n != nil {
		n.proximity = proximity
	}
}

// TabletIDs lists tablets in keyspace order.
func (c *Cluster) TabletIDs() []tserver.TabletID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]tserver.TabletID, 0, len(c.sorted))
	for _, tab := range c.sorted {
		out = append(out, tab.id)
	}
	return out
}

// --- direct (non-transactional) helpers for fixtures ---

// Put writes a committed value bypassing the client stack.
func (c *Cluster) Put(key, value []byte) error {
	tab := c.tabletForKey(key)
	if tab == nil {
		return errors.Errorf("no tablet owns key %q", key)
	}
	resp := tab.writeCommitted(c.clock, &tserver.WriteRequest{Key: key, Value: value})
	if resp.Error != nil {
		return errors.Trace(resp.Error)
	}
	return nil
}

// Get reads the latest committed value bypassing the client stack.
func (c *Cluster) Get(key []byte) ([]byte, bool, error) {
	tab := c.tabletForKey(key)
	if tab == nil {
		return nil, false, errors.Errorf("no tablet owns key %q", key)
	}
	now, _ := c.clock.Now()
	resp := tab.read(c.clock, &tserver.ReadRequest{Key: key, ReadTime: now, GlobalLimit: now})
	if resp.Error != nil {
		return nil, false, errors.Trace(resp.Error)
	}
	return resp.Value, resp.Found, nil
}

func (c *Cluster) tabletForKey(key []byte) *tablet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tab := range c.sorted {
		if bytes.Compare(key, tab.startKey) >= 0 &&
			(tab.endKey == nil || bytes.Compare(key, tab.endKey) < 0) {
			return tab
		}
	}
	return nil
}

func (c *Cluster) tabletByID(id tserver.TabletID) *tablet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tablets[id]
}

// statusTabletOf finds the tablet holding a status record for txn.
func (c *Cluster) statusTabletOf(txn uuid.UUID) *tablet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tab := range c.sorted {
		tab.mu.Lock()
		_, ok := tab.txns[txn]
		tab.mu.Unlock()
		if ok {
			return tab
		}
	}
	return nil
}

// expiryMicros converts the configured expiry threshold to physical
// hybrid-time distance.
func (c *Cluster) expiryMicros() int64 {
	return int64(c.cfg.TransactionExpiry / time.Microsecond)
}
