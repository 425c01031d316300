package txn

import (
	"context"

	"github.com/pingcap/errors"

	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/tserver"
)

// ChildTransactionData is the serializable snapshot handed to a
// logically nested transaction running on another worker. Parent and
// child share the transaction id and status tablet; only the parent
// heartbeats.
type ChildTransactionData struct {
	Metadata    tserver.TransactionMetadata
	ReadTime    hlc.HybridTime
	GlobalLimit hlc.HybridTime
	InTxnLimit  hlc.HybridTime
	LocalLimits map[tserver.TabletID]hlc.HybridTime
}

// ChildTransactionResult is what a finished child folds back into its
// parent: the tablets it wrote intents to, plus any restart signal its
// reads hit.
type ChildTransactionResult struct {
	Tablets     []tserver.TabletID
	RestartTime hlc.HybridTime
}

// PrepareChild exports a snapshot for a child transaction. The
// transaction registers with its status tablet first if it has not
// already, so the shared id is durable before it leaves this process.
func (t *Transaction) PrepareChild(ctx context.Context) (*ChildTransactionData, error) {
	t.mu.Lock()
	if t.child {
		t.mu.Unlock()
		return nil, errors.New("child transactions cannot spawn children")
	}
	t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if err := t.ensureRegistered(ctx, nil); err != nil {
		return nil, errors.Annotate(err, "prepare child")
	}

	// The child's view of this transaction's own writes is frozen at
	// the prepare point: intents written by the parent afterwards stay
	// invisible to the child, keeping its reads repeatable.
	inTxnLimit, _ := t.mgr.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	data := &ChildTransactionData{
		Metadata:    t.meta,
		ReadTime:    t.rp.readTime,
		GlobalLimit: t.rp.globalLimit,
		InTxnLimit:  inTxnLimit,
		LocalLimits: t.rp.cloneLocalLimits(),
	}
	log.Debugf("txn %s: prepared child snapshot", t.meta.ID)
	return data, nil
}

// NewChildTransaction builds a running transaction from a parent's
// snapshot. It behaves like a normal transaction except it never
// heartbeats (the parent owns the shared status record) and finishes
// via FinishChild instead of Commit.
func NewChildTransaction(m *Manager, data *ChildTransactionData) *Transaction {
	t := m.NewTransaction()
	t.child = true
	t.mu.Lock()
	t.state = StateRunning
	t.meta = data.Metadata
	t.registered = true
	t.rp = readPoint{
		readTime:    data.ReadTime,
		globalLimit: data.GlobalLimit,
		inTxnLimit:  data.InTxnLimit,
		localLimits: make(map[tserver.TabletID]hlc.HybridTime, len(data.LocalLimits)),
	}
	for k, v := range data.LocalLimits {
		t.rp.localLimits[k] = v
	}
	t.mu.Unlock()
	return t
}

// FinishChild freezes the child and returns its bookkeeping for the
// parent to merge. The child accepts no operations afterwards.
func (t *Transaction) FinishChild() (*ChildTransactionResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.child {
		return nil, errors.New("FinishChild on a non-child transaction")
	}
	if t.finished {
		return nil, errors.Errorf("child transaction %s already finished", t.meta.ID)
	}
	if t.state != StateRunning {
		return nil, errors.Errorf("child transaction %s is %s", t.meta.ID, t.state)
	}
	t.finished = true
	res := &ChildTransactionResult{
		Tablets:     make([]tserver.TabletID, 0, len(t.participants)),
		RestartTime: t.restartTime,
	}
	for id := range t.participants {
		res.Tablets = append(res.Tablets, id)
	}
	return res, nil
}

// ApplyChildResult merges a finished child's touched tablets into the
// parent before the eventual commit. Idempotent per tablet and safe to
// call from any goroutine.
func (t *Transaction) ApplyChildResult(res *ChildTransactionResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.child {
		return errors.New("ApplyChildResult on a child transaction")
	}
	if t.state != StateRunning {
		return errors.Errorf("cannot apply child result to %s transaction", t.state)
	}
	for _, id := range res.Tablets {
		t.participants[id] = struct{}{}
	}
	if res.RestartTime > t.restartTime {
		t.restartTime = res.RestartTime
	}
	return nil
}
