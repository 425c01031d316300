package tabletserver

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/tserver"
)

// version is one committed value of a key. Versions of a key are kept
// in ascending commit-time order.
type version struct {
	ht      hlc.HybridTime
	value   []byte
	deleted bool
}

// intent is a provisional write, invisible to every transaction except
// its own until commit folds it into the version history. ht is the
// time the intent was written, checked against a reader's in-txn
// limit.
type intent struct {
	txn     uuid.UUID
	ht      hlc.HybridTime
	value   []byte
	deleted bool
}

// txnRecord is the authoritative status record for one transaction,
// held by its status tablet.
type txnRecord struct {
	meta          tserver.TransactionMetadata
	status        tserver.TransactionStatus
	statusTime    hlc.HybridTime
	lastHeartbeat hlc.HybridTime
	commitTime    hlc.HybridTime
	participants  []tserver.TabletID
	// expired distinguishes heartbeat-lapse aborts from explicit ones.
	expired bool
}

// tablet is one partition's storage: version history, live intents and
// the status records it owns. Leadership is simulated: replicas share
// the one store and the leader field gates which node may serve.
type tablet struct {
	id       tserver.TabletID
	startKey []byte
	endKey   []byte

	mu     sync.Mutex
	leader tserver.NodeID
	hist   map[string][]version
	intent map[string]intent
	txns   map[uuid.UUID]*txnRecord
}

func newTablet(id tserver.TabletID, startKey, endKey []byte, leader tserver.NodeID) *tablet {
	return &tablet{
		id:       id,
		startKey: startKey,
		endKey:   endKey,
		leader:   leader,
		hist:     make(map[string][]version),
		intent:   make(map[string]intent),
		txns:     make(map[uuid.UUID]*txnRecord),
	}
}

func (tab *tablet) currentLeader() tserver.NodeID {
	tab.mu.Lock()
	defer tab.mu.Unlock()
	return tab.leader
}

func (tab *tablet) setLeader(n tserver.NodeID) {
	tab.mu.Lock()
	defer tab.mu.Unlock()
	tab.leader = n
}

// read evaluates a snapshot read. Committed versions in the ambiguity
// window (readTime, min(globalLimit, localLimit)] force a restart;
// other transactions' pending intents are simply invisible.
func (tab *tablet) read(clock hlc.Clock, req *tserver.ReadRequest) *tserver.ReadResponse {
	now, _ := clock.Now()
	tab.mu.Lock()
	defer tab.mu.Unlock()

	resp := &tserver.ReadResponse{LocalLimit: now}

	if req.Txn != nil {
		if in, ok := tab.intent[string(req.Key)]; ok && in.txn == req.Txn.ID {
			if !req.InTxnLimit.Valid() || in.ht <= req.InTxnLimit {
				if !in.deleted {
					resp.Value = append([]byte(nil), in.value...)
					resp.Found = true
				}
				return resp
			}
			// Own write past the in-txn limit: invisible, fall through
			// to the committed history.
		}
	}

	limit := req.GlobalLimit
	if req.LocalLimit.Valid() && req.LocalLimit < limit {
		limit = req.LocalLimit
	}

	var ambiguous hlc.HybridTime
	var visible *version
	versions := tab.hist[string(req.Key)]
	for i := range versions {
		v := &versions[i]
		if v.ht <= req.ReadTime {
			visible = v
			continue
		}
		if v.ht <= limit && v.ht > ambiguous {
			ambiguous = v.ht
		}
	}
	if ambiguous.Valid() {
		resp.Error = tserver.NewRestartRequired(tab.id, ambiguous)
		return resp
	}
	if visible != nil && !visible.deleted {
		resp.Value = append([]byte(nil), visible.value...)
		resp.Found = true
	}
	return resp
}

// blockingIntent reports the transaction holding a conflicting intent
// on key, if any.
func (tab *tablet) blockingIntent(key []byte, txn uuid.UUID) (uuid.UUID, bool) {
	tab.mu.Lock()
	defer tab.mu.Unlock()
	in, ok := tab.intent[string(key)]
	if !ok || in.txn == txn {
		return uuid.UUID{}, false
	}
	return in.txn, true
}

// writeIntent installs a provisional write. First-committer-wins: a
// committed version newer than the writer's snapshot is a conflict.
func (tab *tablet) writeIntent(clock hlc.Clock, req *tserver.WriteRequest) *tserver.WriteResponse {
	now, _ := clock.Now()
	tab.mu.Lock()
	defer tab.mu.Unlock()

	if in, ok := tab.intent[string(req.Key)]; ok && in.txn != req.Txn.ID {
		return &tserver.WriteResponse{Error: tserver.NewConflict(tab.id, req.Key)}
	}
	if versions := tab.hist[string(req.Key)]; len(versions) > 0 {
		if versions[len(versions)-1].ht > req.Txn.StartTime {
			return &tserver.WriteResponse{Error: tserver.NewConflict(tab.id, req.Key)}
		}
	}
	tab.intent[string(req.Key)] = intent{
		txn:     req.Txn.ID,
		ht:      now,
		value:   append([]byte(nil), req.Value...),
		deleted: req.Delete,
	}
	return &tserver.WriteResponse{}
}

// writeCommitted applies a non-transactional write at the current
// clock reading.
func (tab *tablet) writeCommitted(clock hlc.Clock, req *tserver.WriteRequest) *tserver.WriteResponse {
	now, _ := clock.Now()
	tab.mu.Lock()
	defer tab.mu.Unlock()

	if _, ok := tab.intent[string(req.Key)]; ok {
		return &tserver.WriteResponse{Error: tserver.NewConflict(tab.id, req.Key)}
	}
	tab.appendVersionLocked(string(req.Key), version{
		ht:      now,
		value:   append([]byte(nil), req.Value...),
		deleted: req.Delete,
	})
	return &tserver.WriteResponse{}
}

// applyIntentsLocked folds a committed transaction's intents into the
// version history at commitTime. Caller coordinates cross-tablet
// locking.
func (tab *tablet) applyIntentsLocked(txn uuid.UUID, commitTime hlc.HybridTime) {
	for key, in := range tab.intent {
		if in.txn != txn {
			continue
		}
		tab.appendVersionLocked(key, version{ht: commitTime, value: in.value, deleted: in.deleted})
		delete(tab.intent, key)
	}
}

// dropIntentsLocked discards an aborted transaction's intents.
func (tab *tablet) dropIntentsLocked(txn uuid.UUID) {
	for key, in := range tab.intent {
		if in.txn == txn {
			delete(tab.intent, key)
		}
	}
}

func (tab *tablet) appendVersionLocked(key string, v version) {
	versions := tab.hist[key]
	if n := len(versions); n > 0 && versions[n-1].ht >= v.ht {
		v.ht = versions[n-1].ht.Next()
	}
	tab.hist[key] = append(tab.hist[key], v)
}
