// Package txn implements the client-side transaction lifecycle:
// read-point selection, intent bookkeeping, heartbeating, the
// commit/abort protocol, restart on clock ambiguity, and parent/child
// composition for fan-out execution.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/tserver"
)

// State is the transaction state machine. Exactly one terminal state
// is reachable; there are no transitions out of Committed or Aborted.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCommitRequested
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateCommitRequested:
		return "COMMIT_REQUESTED"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Transaction is one client transaction. All public methods are safe
// for concurrent use; the state machine and the participant set are
// serialized by a single mutex, and no callback or RPC runs while it
// is held.
type Transaction struct {
	mgr   *Manager
	child bool

	// registerMu serializes status-tablet registration so concurrent
	// first writes register exactly once.
	registerMu sync.Mutex

	mu           sync.Mutex
	state        State
	meta         tserver.TransactionMetadata
	rp           readPoint
	participants map[tserver.TabletID]struct{}
	registered   bool
	expired      bool
	finished     bool // children only: sealed by FinishChild
	restartTime  hlc.HybridTime

	hbStop chan struct{}
	hbDone chan struct{}
	hbOnce sync.Once
}

// BeginOption tweaks transaction initialization.
type BeginOption func(*beginOptions)

type beginOptions struct {
	readTime hlc.HybridTime
}

// WithReadTime pins the transaction's snapshot to an explicit read
// time instead of the current clock reading.
func WithReadTime(ht hlc.HybridTime) BeginOption {
	return func(o *beginOptions) { o.readTime = ht }
}

// Init transitions CREATED to RUNNING: it generates the transaction id
// and captures the read point. Fails if called twice.
func (t *Transaction) Init(isolation tserver.IsolationLevel, opts ...BeginOption) error {
	var o beginOptions
	for _, opt := range opts {
		opt(&o)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCreated {
		return errors.Errorf("transaction already initialized (state %s)", t.state)
	}
	if o.readTime.Valid() {
		t.rp = newReadPointAt(o.readTime)
	} else {
		t.rp = newReadPoint(t.mgr.clock)
	}
	t.meta = tserver.TransactionMetadata{
		ID:        uuid.New(),
		Isolation: isolation,
		StartTime: t.rp.readTime,
	}
	t.state = StateRunning
	log.Debugf("txn %s: initialized, read point %v global limit %v",
		t.meta.ID, t.rp.readTime, t.rp.globalLimit)
	return nil
}

// ID returns the transaction id, which is only valid after Init.
func (t *Transaction) ID() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta.ID
}

// CurrentState returns the current state of the state machine.
func (t *Transaction) CurrentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StatusTablet returns the tablet holding this transaction's status
// record, empty until the transaction registers on its first write.
func (t *Transaction) StatusTablet() tserver.TabletID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta.StatusTablet
}

// Get reads a row at the transaction's read point. A write made
// earlier under this transaction is observed (read-your-writes). An
// ambiguous read surfaces a RESTART_REQUIRED error; the caller must
// switch to CreateRestartedTransaction, it is never retried here.
func (t *Transaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := t.checkActive(); err != nil {
		return nil, false, err
	}
	call := newReadCall(t, key)
	if err := t.mgr.invoker.Execute(ctx, call); err != nil {
		if te, ok := errors.Cause(err).(*tserver.TabletError); ok && te.Code == tserver.CodeRestartRequired {
			t.noteRestart(te.RestartTime)
		}
		return nil, false, err
	}
	return call.resp.Value, call.resp.Found, nil
}

// Put writes a row as a provisional intent under this transaction.
func (t *Transaction) Put(ctx context.Context, key, value []byte) error {
	return t.write(ctx, key, value, false)
}

// Delete removes a row as a provisional intent under this transaction.
func (t *Transaction) Delete(ctx context.Context, key []byte) error {
	return t.write(ctx, key, nil, true)
}

func (t *Transaction) write(ctx context.Context, key, value []byte, del bool) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	// The first intent write registers the transaction with its status
	// tablet, so commit/heartbeat/abort never reference an id the
	// status tablet has not seen.
	if err := t.ensureRegistered(ctx, key); err != nil {
		return err
	}
	// Registration dropped the mutex; an Abort may have slipped in. Do
	// not place an intent the aborted transaction will never clean up.
	if err := t.checkActive(); err != nil {
		return err
	}
	call := newWriteCall(t, key, value, del)
	if err := t.mgr.invoker.Execute(ctx, call); err != nil {
		return err
	}
	t.mu.Lock()
	t.participants[call.tablet] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Commit finalizes the transaction: RUNNING -> COMMIT_REQUESTED, then
// COMMITTED on success. The full participant set is made visible to
// the status tablet before success is reported. A lapsed heartbeat
// surfaces as an EXPIRED error and the transaction ends ABORTED.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.child {
		t.mu.Unlock()
		return errors.New("child transactions cannot commit; use FinishChild")
	}
	if t.state != StateRunning {
		expired := t.expired
		state := t.state
		id := t.meta.ID
		t.mu.Unlock()
		if expired {
			return errors.Trace(tserver.NewExpired(t.StatusTablet()))
		}
		return errors.Errorf("cannot commit transaction %s in state %s", id, state)
	}
	t.state = StateCommitRequested
	registered := t.registered
	meta := t.meta
	participants := make([]tserver.TabletID, 0, len(t.participants))
	for id := range t.participants {
		participants = append(participants, id)
	}
	t.mu.Unlock()

	if !registered {
		// Nothing was written; the snapshot commits trivially.
		t.finish(StateCommitted)
		return nil
	}

	call := newUpdateCall(meta.StatusTablet, meta.ID, tserver.StatusCommitted, participants)
	if err := t.mgr.invoker.Execute(ctx, call); err != nil {
		t.finish(StateAborted)
		if tserver.IsExpired(err) {
			t.mu.Lock()
			t.expired = true
			t.mu.Unlock()
		}
		return errors.Annotatef(err, "commit transaction %s", meta.ID)
	}
	t.finish(StateCommitted)
	log.Debugf("txn %s: committed at %v with %d participant tablets",
		meta.ID, call.commitTime, len(participants))
	return nil
}

// CommitAsync runs Commit on its own goroutine and delivers the result
// to cb exactly once. cb never runs under the state mutex.
func (t *Transaction) CommitAsync(ctx context.Context, cb func(error)) {
	go func() {
		cb(t.Commit(ctx))
	}()
}

// Abort is a best-effort, fire-and-forget notification to the status
// tablet. It never blocks on the network and is a no-op once a commit
// has been requested or a terminal state reached.
func (t *Transaction) Abort() {
	t.mu.Lock()
	if t.child || (t.state != StateCreated && t.state != StateRunning) {
		t.mu.Unlock()
		return
	}
	t.state = StateAborted
	registered := t.registered
	meta := t.meta
	participants := make([]tserver.TabletID, 0, len(t.participants))
	for id := range t.participants {
		participants = append(participants, id)
	}
	t.mu.Unlock()

	t.stopHeartbeat()
	if !registered {
		return
	}
	go t.sendAbort(meta, participants)
}

// sendAbort delivers a best-effort StatusAborted update to the status
// tablet. Failures are logged, not surfaced: expiry reclaims the record
// either way.
func (t *Transaction) sendAbort(meta tserver.TransactionMetadata, participants []tserver.TabletID) {
	ctx, cancel := context.WithTimeout(context.Background(), t.mgr.cfg.TransactionExpiry)
	defer cancel()
	call := newUpdateCall(meta.StatusTablet, meta.ID, tserver.StatusAborted, participants)
	if err := t.mgr.invoker.Execute(ctx, call); err != nil {
		log.Warnf("txn %s: best-effort abort failed: %v", meta.ID, err)
	}
}

// Close aborts the transaction if it never reached a terminal state
// and waits for the heartbeat loop to wind down.
func (t *Transaction) Close() {
	t.Abort()
	t.stopHeartbeat()
	t.mu.Lock()
	done := t.hbDone
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// CreateRestartedTransaction builds a fresh transaction whose read
// point is advanced past the ambiguity that failed a read on this one.
// The new transaction has a new id and registers anew; this one must
// be discarded by the caller (Close aborts leftover intents).
func (t *Transaction) CreateRestartedTransaction() (*Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.child {
		return nil, errors.New("child transactions cannot restart")
	}
	if !t.restartTime.Valid() {
		return nil, errors.Errorf("transaction %s has no pending restart", t.meta.ID)
	}

	nt := t.mgr.NewTransaction()
	now, limit := t.mgr.clock.Now()
	readTime := now
	if t.restartTime.Next() > readTime {
		readTime = t.restartTime.Next()
	}
	if t.rp.globalLimit > readTime {
		readTime = t.rp.globalLimit
	}
	if readTime > limit {
		limit = readTime
	}
	nt.mu.Lock()
	nt.state = StateRunning
	nt.meta = tserver.TransactionMetadata{
		ID:        uuid.New(),
		Isolation: t.meta.Isolation,
		StartTime: readTime,
	}
	nt.rp = readPoint{
		readTime:    readTime,
		globalLimit: limit,
		inTxnLimit:  t.rp.inTxnLimit,
		localLimits: t.rp.cloneLocalLimits(),
	}
	nt.mu.Unlock()
	log.Debugf("txn %s: restarted as %s, read point %v -> %v",
		t.meta.ID, nt.meta.ID, t.rp.readTime, readTime)
	return nt, nil
}

// --- internal ---

func (t *Transaction) checkActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return errors.Errorf("child transaction %s is already finished", t.meta.ID)
	}
	if t.state != StateRunning {
		if t.expired {
			return errors.Trace(tserver.NewExpired(t.meta.StatusTablet))
		}
		return errors.Errorf("transaction %s is %s", t.meta.ID, t.state)
	}
	return nil
}

func (t *Transaction) metadata() tserver.TransactionMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// readSnapshot is one consistent view of the read point, captured under
// the state mutex for a single outgoing read.
type readSnapshot struct {
	meta        tserver.TransactionMetadata
	readTime    hlc.HybridTime
	globalLimit hlc.HybridTime
	localLimit  hlc.HybridTime
	inTxnLimit  hlc.HybridTime
}

func (t *Transaction) snapshotForRead(id tserver.TabletID) readSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return readSnapshot{
		meta:        t.meta,
		readTime:    t.rp.readTime,
		globalLimit: t.rp.globalLimit,
		localLimit:  t.rp.localLimit(id),
		inTxnLimit:  t.rp.inTxnLimit,
	}
}

func (t *Transaction) observeSafeTime(id tserver.TabletID, safeTime hlc.HybridTime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rp.observeSafeTime(id, safeTime)
}

func (t *Transaction) noteRestart(ht hlc.HybridTime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ht > t.restartTime {
		t.restartTime = ht
	}
}

// ensureRegistered registers the transaction with a status tablet
// before its first intent write. The status tablet defaults to the
// tablet owning the first written key, subject to the manager's
// local-tablet filter.
func (t *Transaction) ensureRegistered(ctx context.Context, key []byte) error {
	t.registerMu.Lock()
	defer t.registerMu.Unlock()

	t.mu.Lock()
	if t.registered {
		t.mu.Unlock()
		return nil
	}
	if !t.child && t.state != StateRunning {
		state := t.state
		id := t.meta.ID
		t.mu.Unlock()
		return errors.Errorf("transaction %s is %s", id, state)
	}
	meta := t.meta
	t.mu.Unlock()

	first, err := t.mgr.loc.Lookup(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	statusTablet, err := t.mgr.pickStatusTablet(ctx, first)
	if err != nil {
		return errors.Trace(err)
	}
	meta.StatusTablet = statusTablet

	call := newRegisterCall(statusTablet, meta)
	if err := t.mgr.invoker.Execute(ctx, call); err != nil {
		return errors.Annotatef(err, "register transaction %s", meta.ID)
	}

	startHB := false
	abortNow := false
	t.mu.Lock()
	t.meta.StatusTablet = statusTablet
	t.registered = true
	if !t.child && t.state != StateRunning {
		// An Abort raced the registration RPC. The status record now
		// exists, so tell the status tablet instead of leaving a
		// PENDING record for expiry to reap.
		abortNow = true
	} else if !t.child && !t.mgr.cfg.DisableHeartbeats {
		t.hbStop = make(chan struct{})
		t.hbDone = make(chan struct{})
		startHB = true
	}
	t.mu.Unlock()
	if abortNow {
		go t.sendAbort(meta, nil)
		return errors.Errorf("transaction %s aborted during registration", meta.ID)
	}
	if startHB {
		go t.heartbeatLoop()
	}
	log.Debugf("txn %s: registered with status tablet %s", meta.ID, statusTablet)
	return nil
}

// heartbeatLoop keeps the status record alive. Heartbeats are strictly
// serialized: each tick sends synchronously, so two are never in
// flight at once.
func (t *Transaction) heartbeatLoop() {
	defer close(t.hbDone)
	interval := t.mgr.cfg.TxnHeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	meta := t.metadata()
	for {
		select {
		case <-t.hbStop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		call := newHeartbeatCall(meta.StatusTablet, meta.ID)
		err := t.mgr.invoker.Execute(ctx, call)
		cancel()
		if err == nil {
			continue
		}
		code := tserver.ErrorCode(err)
		if code == tserver.CodeExpired || code == tserver.CodeAborted {
			log.Warnf("txn %s: status record is gone (%s), aborting locally", meta.ID, code)
			t.markExpired()
			return
		}
		log.Warnf("txn %s: heartbeat failed: %v", meta.ID, err)
	}
}

func (t *Transaction) markExpired() {
	t.mu.Lock()
	t.expired = true
	if t.state == StateCreated || t.state == StateRunning {
		t.state = StateAborted
	}
	t.mu.Unlock()
	t.stopHeartbeat()
}

func (t *Transaction) stopHeartbeat() {
	t.mu.Lock()
	stop := t.hbStop
	t.mu.Unlock()
	if stop == nil {
		return
	}
	t.hbOnce.Do(func() { close(stop) })
}

// finish moves COMMIT_REQUESTED to a terminal state and stops the
// heartbeat exactly once.
func (t *Transaction) finish(s State) {
	t.mu.Lock()
	if t.state == StateCommitRequested || t.state == StateRunning {
		t.state = s
	}
	t.mu.Unlock()
	t.stopHeartbeat()
}
