package locator

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"

	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/tserver"
)

// Locator is the lookup surface consumed by the invocation layer.
type Locator interface {
	// Lookup finds the tablet owning key. The result may be stale.
	Lookup(ctx context.Context, key []byte) (*RemoteTablet, error)
	// LookupTablet finds a tablet by id.
	LookupTablet(ctx context.Context, id tserver.TabletID) (*RemoteTablet, error)
	// Refresh drops cached location data for a tablet, forcing the
	// next lookup to consult the directory.
	Refresh(id tserver.TabletID)
}

// Directory is the authoritative source of tablet locations, typically
// the cluster's metadata service.
type Directory interface {
	Locate(ctx context.Context, key []byte) (*RemoteTablet, error)
	LocateTablet(ctx context.Context, id tserver.TabletID) (*RemoteTablet, error)
}

// cacheEntry orders tablets by start key inside the btree.
type cacheEntry struct {
	tablet *RemoteTablet
}

func (e cacheEntry) Less(than btree.Item) bool {
	return bytes.Compare(e.tablet.StartKey(), than.(cacheEntry).tablet.StartKey()) < 0
}

// Cache is a range cache over a Directory. Entries are filled lazily
// on lookup and evicted on Refresh; all mutation happens here, never
// in the consumers.
type Cache struct {
	dir Directory

	mu    sync.RWMutex
	byKey *btree.BTree
	byID  map[tserver.TabletID]*RemoteTablet
}

func NewCache(dir Directory) *Cache {
	return &Cache{
		dir:   dir,
		byKey: btree.New(8),
		byID:  make(map[tserver.TabletID]*RemoteTablet),
	}
}

func (c *Cache) Lookup(ctx context.Context, key []byte) (*RemoteTablet, error) {
	if rt := c.cachedByKey(key); rt != nil {
		return rt, nil
	}
	rt, err := c.dir.Locate(ctx, key)
	if err != nil {
		return nil, errors.Annotatef(err, "locate key %q", key)
	}
	c.insert(rt)
	return rt, nil
}

func (c *Cache) LookupTablet(ctx context.Context, id tserver.TabletID) (*RemoteTablet, error) {
	c.mu.RLock()
	rt := c.byID[id]
	c.mu.RUnlock()
	if rt != nil {
		return rt, nil
	}
	rt, err := c.dir.LocateTablet(ctx, id)
	if err != nil {
		return nil, errors.Annotatef(err, "locate tablet %s", id)
	}
	c.insert(rt)
	return rt, nil
}

func (c *Cache) Refresh(id tserver.TabletID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt := c.byID[id]
	if rt == nil {
		return
	}
	delete(c.byID, id)
	c.byKey.Delete(cacheEntry{tablet: rt})
	log.Debugf("locator: evicted tablet %s", id)
}

func (c *Cache) cachedByKey(key []byte) *RemoteTablet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var found *RemoteTablet
	pivot := cacheEntry{tablet: &RemoteTablet{startKey: key}}
	c.byKey.DescendLessOrEqual(pivot, func(item btree.Item) bool {
		found = item.(cacheEntry).tablet
		return false
	})
	if found == nil {
		return nil
	}
	// A hit only counts if key actually falls inside the span; an empty
	// end key means the span extends to the end of the keyspace.
	if len(found.EndKey()) != 0 && bytes.Compare(key, found.EndKey()) >= 0 {
		return nil
	}
	return found
}

func (c *Cache) insert(rt *RemoteTablet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.byID[rt.ID()]; old != nil {
		c.byKey.Delete(cacheEntry{tablet: old})
	}
	c.byID[rt.ID()] = rt
	c.byKey.ReplaceOrInsert(cacheEntry{tablet: rt})
}
