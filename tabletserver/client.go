package tabletserver

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/tserver"
)

// nodeClient is the tserver.TabletServerClient for one node of the
// cluster. It enforces the leadership rules a real tablet server
// would: every operation except GetTransactionStatus must hit the
// leader replica.
type nodeClient struct {
	c *Cluster
	n *node
}

func (nc *nodeClient) transportErr() error {
	if nc.n.unreachable.Load() {
		return errors.Errorf("node %d is unreachable", nc.n.id)
	}
	return nil
}

// leaderCheck returns a NOT_THE_LEADER error carrying the actual
// leader as a hint, the way a follower replica answers.
func (nc *nodeClient) leaderCheck(tab *tablet) *tserver.TabletError {
	if leader := tab.currentLeader(); leader != nc.n.id {
		return tserver.NewNotTheLeader(tab.id, leader)
	}
	return nil
}

func (nc *nodeClient) Read(ctx context.Context, req *tserver.ReadRequest) (*tserver.ReadResponse, error) {
	if err := nc.transportErr(); err != nil {
		return nil, err
	}
	tab := nc.c.tabletByID(req.TabletID)
	if tab == nil {
		return &tserver.ReadResponse{Error: tserver.NewTabletNotFound(req.TabletID)}, nil
	}
	if e := nc.leaderCheck(tab); e != nil {
		return &tserver.ReadResponse{Error: e}, nil
	}
	return tab.read(nc.c.clock, req), nil
}

func (nc *nodeClient) Write(ctx context.Context, req *tserver.WriteRequest) (*tserver.WriteResponse, error) {
	if err := nc.transportErr(); err != nil {
		return nil, err
	}
	tab := nc.c.tabletByID(req.TabletID)
	if tab == nil {
		return &tserver.WriteResponse{Error: tserver.NewTabletNotFound(req.TabletID)}, nil
	}
	if e := nc.leaderCheck(tab); e != nil {
		return &tserver.WriteResponse{Error: e}, nil
	}
	if req.Txn == nil {
		return tab.writeCommitted(nc.c.clock, req), nil
	}
	for {
		resp := tab.writeIntent(nc.c.clock, req)
		if resp.Error == nil || resp.Error.Code != tserver.CodeConflict {
			return resp, nil
		}
		blocker, ok := tab.blockingIntent(req.Key, req.Txn.ID)
		if !ok {
			// Conflict against a committed version, not an intent.
			return resp, nil
		}
		if !nc.c.tryResolveBlocked(blocker) {
			return resp, nil
		}
		// The blocking transaction turned out dead; its intents are
		// gone, try again.
	}
}

func (nc *nodeClient) RegisterTransaction(ctx context.Context, req *tserver.RegisterTransactionRequest) (*tserver.RegisterTransactionResponse, error) {
	if err := nc.transportErr(); err != nil {
		return nil, err
	}
	tab := nc.c.tabletByID(req.TabletID)
	if tab == nil {
		return &tserver.RegisterTransactionResponse{Error: tserver.NewTabletNotFound(req.TabletID)}, nil
	}
	if e := nc.leaderCheck(tab); e != nil {
		return &tserver.RegisterTransactionResponse{Error: e}, nil
	}

	now, _ := nc.c.clock.Now()
	tab.mu.Lock()
	defer tab.mu.Unlock()
	if _, ok := tab.txns[req.Metadata.ID]; !ok {
		tab.txns[req.Metadata.ID] = &txnRecord{
			meta:          req.Metadata,
			status:        tserver.StatusPending,
			statusTime:    now,
			lastHeartbeat: now,
		}
	}
	return &tserver.RegisterTransactionResponse{}, nil
}

func (nc *nodeClient) Heartbeat(ctx context.Context, req *tserver.HeartbeatRequest) (*tserver.HeartbeatResponse, error) {
	if err := nc.transportErr(); err != nil {
		return nil, err
	}
	tab := nc.c.tabletByID(req.TabletID)
	if tab == nil {
		return &tserver.HeartbeatResponse{Error: tserver.NewTabletNotFound(req.TabletID)}, nil
	}
	if e := nc.leaderCheck(tab); e != nil {
		return &tserver.HeartbeatResponse{Error: e}, nil
	}

	now, _ := nc.c.clock.Now()
	tab.mu.Lock()
	rec := tab.txns[req.TransactionID]
	if rec == nil {
		tab.mu.Unlock()
		return &tserver.HeartbeatResponse{Error: tserver.NewExpired(tab.id)}, nil
	}
	switch rec.status {
	case tserver.StatusAborted:
		tab.mu.Unlock()
		return &tserver.HeartbeatResponse{Error: tserver.NewExpired(tab.id)}, nil
	case tserver.StatusCommitted:
		tab.mu.Unlock()
		return &tserver.HeartbeatResponse{}, nil
	}
	if now.Physical()-rec.lastHeartbeat.Physical() > nc.c.expiryMicros() {
		nc.abortRecordLocked(rec, now, true)
		tab.mu.Unlock()
		nc.c.dropIntentsEverywhere(req.TransactionID)
		return &tserver.HeartbeatResponse{Error: tserver.NewExpired(tab.id)}, nil
	}
	rec.lastHeartbeat = now
	if now > rec.statusTime {
		rec.statusTime = now
	}
	tab.mu.Unlock()
	return &tserver.HeartbeatResponse{}, nil
}

func (nc *nodeClient) UpdateTransaction(ctx context.Context, req *tserver.UpdateTransactionRequest) (*tserver.UpdateTransactionResponse, error) {
	if err := nc.transportErr(); err != nil {
		return nil, err
	}
	tab := nc.c.tabletByID(req.TabletID)
	if tab == nil {
		return &tserver.UpdateTransactionResponse{Error: tserver.NewTabletNotFound(req.TabletID)}, nil
	}
	if e := nc.leaderCheck(tab); e != nil {
		return &tserver.UpdateTransactionResponse{Error: e}, nil
	}
	switch req.Status {
	case tserver.StatusCommitted:
		return nc.c.commitTxn(tab, req), nil
	case tserver.StatusAborted:
		return nc.c.abortTxn(tab, req), nil
	}
	return &tserver.UpdateTransactionResponse{
		Error: &tserver.TabletError{Code: tserver.CodeInvalidState, TabletID: tab.id,
			Message: "update must be a commit or an abort"},
	}, nil
}

// GetTransactionStatus is the one operation a follower replica may
// answer; status queries tolerate the slight staleness in exchange for
// batching them near the client.
func (nc *nodeClient) GetTransactionStatus(ctx context.Context, req *tserver.GetTransactionStatusRequest) (*tserver.GetTransactionStatusResponse, error) {
	if err := nc.transportErr(); err != nil {
		return nil, err
	}
	tab := nc.c.tabletByID(req.TabletID)
	if tab == nil {
		return &tserver.GetTransactionStatusResponse{Error: tserver.NewTabletNotFound(req.TabletID)}, nil
	}

	now, _ := nc.c.clock.Now()
	tab.mu.Lock()
	defer tab.mu.Unlock()
	rec := tab.txns[req.TransactionID]
	if rec == nil {
		// Unknown ids read as aborted: either never registered or long
		// since cleaned up.
		return &tserver.GetTransactionStatusResponse{Status: tserver.StatusAborted, StatusTime: now}, nil
	}
	switch rec.status {
	case tserver.StatusCommitted:
		return &tserver.GetTransactionStatusResponse{Status: tserver.StatusCommitted, StatusTime: rec.commitTime}, nil
	case tserver.StatusAborted:
		return &tserver.GetTransactionStatusResponse{Status: tserver.StatusAborted, StatusTime: rec.statusTime}, nil
	}
	return &tserver.GetTransactionStatusResponse{Status: tserver.StatusPending, StatusTime: rec.statusTime}, nil
}

func (nc *nodeClient) abortRecordLocked(rec *txnRecord, now hlc.HybridTime, expired bool) {
	rec.status = tserver.StatusAborted
	rec.expired = expired
	if now > rec.statusTime {
		rec.statusTime = now
	} else {
		rec.statusTime = rec.statusTime.Next()
	}
}

// commitTxn finalizes a pending record as committed. The status flip
// and the intent application happen inside one critical section
// covering the status tablet and every participant, locked in id
// order, so a reader that has observed COMMITTED can never miss the
// transaction's writes.
func (c *Cluster) commitTxn(tab *tablet, req *tserver.UpdateTransactionRequest) *tserver.UpdateTransactionResponse {
	now, _ := c.clock.Now()

	seen := make(map[tserver.TabletID]bool, len(req.ParticipantTablets))
	participants := make([]*tablet, 0, len(req.ParticipantTablets))
	group := []*tablet{tab}
	for _, id := range req.ParticipantTablets {
		p := c.tabletByID(id)
		if p == nil || seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, p)
		if p != tab {
			group = append(group, p)
		}
	}
	sort.Slice(group, func(i, j int) bool { return group[i].id < group[j].id })
	for _, g := range group {
		g.mu.Lock()
	}
	unlock := func() {
		for i := len(group) - 1; i >= 0; i-- {
			group[i].mu.Unlock()
		}
	}

	rec := tab.txns[req.TransactionID]
	if rec == nil {
		unlock()
		return &tserver.UpdateTransactionResponse{Error: tserver.NewExpired(tab.id)}
	}
	switch rec.status {
	case tserver.StatusCommitted:
		ct := rec.commitTime
		unlock()
		return &tserver.UpdateTransactionResponse{CommitTime: ct}
	case tserver.StatusAborted:
		expired := rec.expired
		unlock()
		if expired {
			return &tserver.UpdateTransactionResponse{Error: tserver.NewExpired(tab.id)}
		}
		return &tserver.UpdateTransactionResponse{
			Error: &tserver.TabletError{Code: tserver.CodeAborted, TabletID: tab.id,
				Message: "transaction already aborted"},
		}
	}
	if now.Physical()-rec.lastHeartbeat.Physical() > c.expiryMicros() {
		rec.status = tserver.StatusAborted
		rec.expired = true
		if now > rec.statusTime {
			rec.statusTime = now
		}
		unlock()
		c.dropIntentsEverywhere(req.TransactionID)
		return &tserver.UpdateTransactionResponse{Error: tserver.NewExpired(tab.id)}
	}

	// The commit time must move strictly past every PENDING status
	// observation.
	ct := now
	if ct <= rec.statusTime {
		ct = rec.statusTime.Next()
	}
	rec.status = tserver.StatusCommitted
	rec.commitTime = ct
	rec.statusTime = ct
	rec.participants = append([]tserver.TabletID(nil), req.ParticipantTablets...)
	for _, p := range participants {
		p.applyIntentsLocked(req.TransactionID, ct)
	}
	unlock()
	return &tserver.UpdateTransactionResponse{CommitTime: ct}
}

func (c *Cluster) abortTxn(tab *tablet, req *tserver.UpdateTransactionRequest) *tserver.UpdateTransactionResponse {
	now, _ := c.clock.Now()
	tab.mu.Lock()
	rec := tab.txns[req.TransactionID]
	if rec == nil {
		// Abort-before-register is legal; leave a tombstone so a late
		// commit is rejected.
		tab.txns[req.TransactionID] = &txnRecord{status: tserver.StatusAborted, statusTime: now, lastHeartbeat: now}
		tab.mu.Unlock()
		c.dropIntentsEverywhere(req.TransactionID)
		return &tserver.UpdateTransactionResponse{}
	}
	switch rec.status {
	case tserver.StatusCommitted:
		tab.mu.Unlock()
		return &tserver.UpdateTransactionResponse{
			Error: &tserver.TabletError{Code: tserver.CodeInvalidState, TabletID: tab.id,
				Message: "transaction already committed"},
		}
	case tserver.StatusAborted:
		tab.mu.Unlock()
		return &tserver.UpdateTransactionResponse{}
	}
	rec.status = tserver.StatusAborted
	if now > rec.statusTime {
		rec.statusTime = now
	} else {
		rec.statusTime = rec.statusTime.Next()
	}
	tab.mu.Unlock()
	c.dropIntentsEverywhere(req.TransactionID)
	return &tserver.UpdateTransactionResponse{}
}

// dropIntentsEverywhere scans all tablets for the transaction's
// intents. Abandoned and aborted transactions may not have reported
// their participant set, so the scan is the safe cleanup.
func (c *Cluster) dropIntentsEverywhere(txn uuid.UUID) {
	c.mu.RLock()
	tabs := append([]*tablet(nil), c.sorted...)
	c.mu.RUnlock()
	for _, tab := range tabs {
		tab.mu.Lock()
		tab.dropIntentsLocked(txn)
		tab.mu.Unlock()
	}
}

// tryResolveBlocked decides whether the transaction holding a
// conflicting intent is actually dead. Aborted or heartbeat-lapsed
// blockers are cleaned up and the conflicting write may proceed.
func (c *Cluster) tryResolveBlocked(txn uuid.UUID) bool {
	st := c.statusTabletOf(txn)
	if st == nil {
		return false
	}
	now, _ := c.clock.Now()
	st.mu.Lock()
	rec := st.txns[txn]
	if rec == nil {
		st.mu.Unlock()
		return false
	}
	switch rec.status {
	case tserver.StatusAborted:
		st.mu.Unlock()
		c.dropIntentsEverywhere(txn)
		return true
	case tserver.StatusCommitted:
		st.mu.Unlock()
		return false
	}
	if now.Physical()-rec.lastHeartbeat.Physical() > c.expiryMicros() {
		rec.status = tserver.StatusAborted
		rec.expired = true
		if now > rec.statusTime {
			rec.statusTime = now
		}
		st.mu.Unlock()
		log.Infof("tabletserver: expired transaction %s evicted by a conflicting write", txn)
		c.dropIntentsEverywhere(txn)
		return true
	}
	st.mu.Unlock()
	return false
}
