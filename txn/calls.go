package txn

import (
	"context"

	"github.com/google/uuid"

	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/locator"
	"github.com/tabkv/tabkv/log"
	"github.com/tabkv/tabkv/tserver"
)

// The rpc.Call implementations for the transaction layer. Row calls
// route by partition key; status-tablet calls route by tablet id.

type baseCall struct {
	method  string
	respErr *tserver.TabletError
}

func (b *baseCall) Method() string                      { return b.method }
func (b *baseCall) ResponseError() *tserver.TabletError { return b.respErr }
func (b *baseCall) PartitionKey() []byte                { return nil }
func (b *baseCall) TabletID() tserver.TabletID          { return "" }

func (b *baseCall) Failed(err error) {
	log.Debugf("txn: %s attempt failed: %v", b.method, err)
}

type readCall struct {
	baseCall
	txn  *Transaction
	key  []byte
	resp *tserver.ReadResponse
}

func newReadCall(t *Transaction, key []byte) *readCall {
	return &readCall{baseCall: baseCall{method: "Read"}, txn: t, key: key}
}

func (c *readCall) PartitionKey() []byte { return c.key }

func (c *readCall) Send(ctx context.Context, client tserver.TabletServerClient, rt *locator.RemoteTablet) error {
	snap := c.txn.snapshotForRead(rt.ID())
	resp, err := client.Read(ctx, &tserver.ReadRequest{
		TabletID:    rt.ID(),
		Key:         c.key,
		ReadTime:    snap.readTime,
		GlobalLimit: snap.globalLimit,
		LocalLimit:  snap.localLimit,
		InTxnLimit:  snap.inTxnLimit,
		Txn:         &snap.meta,
	})
	if err != nil {
		return err
	}
	c.resp = resp
	c.respErr = resp.Error
	if resp.Error == nil {
		c.txn.observeSafeTime(rt.ID(), resp.LocalLimit)
	}
	return nil
}

type writeCall struct {
	baseCall
	txn    *Transaction
	key    []byte
	value  []byte
	delete bool
	// tablet that accepted the intent, recorded for participant
	// bookkeeping.
	tablet tserver.TabletID
}

func newWriteCall(t *Transaction, key, value []byte, del bool) *writeCall {
	return &writeCall{baseCall: baseCall{method: "Write"}, txn: t, key: key, value: value, delete: del}
}

func (c *writeCall) PartitionKey() []byte { return c.key }

func (c *writeCall) Send(ctx context.Context, client tserver.TabletServerClient, rt *locator.RemoteTablet) error {
	meta := c.txn.metadata()
	resp, err := client.Write(ctx, &tserver.WriteRequest{
		TabletID: rt.ID(),
		Key:      c.key,
		Value:    c.value,
		Delete:   c.delete,
		Txn:      &meta,
	})
	if err != nil {
		return err
	}
	c.respErr = resp.Error
	if resp.Error == nil {
		c.tablet = rt.ID()
	}
	return nil
}

type registerCall struct {
	baseCall
	statusTablet tserver.TabletID
	meta         tserver.TransactionMetadata
}

func newRegisterCall(statusTablet tserver.TabletID, meta tserver.TransactionMetadata) *registerCall {
	return &registerCall{baseCall: baseCall{method: "RegisterTransaction"}, statusTablet: statusTablet, meta: meta}
}

func (c *registerCall) TabletID() tserver.TabletID { return c.statusTablet }

func (c *registerCall) Send(ctx context.Context, client tserver.TabletServerClient, rt *locator.RemoteTablet) error {
	resp, err := client.RegisterTransaction(ctx, &tserver.RegisterTransactionRequest{
		TabletID: rt.ID(),
		Metadata: c.meta,
	})
	if err != nil {
		return err
	}
	c.respErr = resp.Error
	return nil
}

type heartbeatCall struct {
	baseCall
	statusTablet tserver.TabletID
	id           uuid.UUID
}

func newHeartbeatCall(statusTablet tserver.TabletID, id uuid.UUID) *heartbeatCall {
	return &heartbeatCall{baseCall: baseCall{method: "Heartbeat"}, statusTablet: statusTablet, id: id}
}

func (c *heartbeatCall) TabletID() tserver.TabletID { return c.statusTablet }

func (c *heartbeatCall) Send(ctx context.Context, client tserver.TabletServerClient, rt *locator.RemoteTablet) error {
	resp, err := client.Heartbeat(ctx, &tserver.HeartbeatRequest{
		TabletID:      rt.ID(),
		TransactionID: c.id,
	})
	if err != nil {
		return err
	}
	c.respErr = resp.Error
	return nil
}

type updateCall struct {
	baseCall
	statusTablet tserver.TabletID
	id           uuid.UUID
	status       tserver.TransactionStatus
	participants []tserver.TabletID
	commitTime   hlc.HybridTime
}

func newUpdateCall(statusTablet tserver.TabletID, id uuid.UUID, status tserver.TransactionStatus, participants []tserver.TabletID) *updateCall {
	return &updateCall{
		baseCall:     baseCall{method: "UpdateTransaction"},
		statusTablet: statusTablet,
		id:           id,
		status:       status,
		participants: participants,
	}
}

func (c *updateCall) TabletID() tserver.TabletID { return c.statusTablet }

func (c *updateCall) Send(ctx context.Context, client tserver.TabletServerClient, rt *locator.RemoteTablet) error {
	resp, err := client.UpdateTransaction(ctx, &tserver.UpdateTransactionRequest{
		TabletID:           rt.ID(),
		TransactionID:      c.id,
		Status:             c.status,
		ParticipantTablets: c.participants,
	})
	if err != nil {
		return err
	}
	c.respErr = resp.Error
	c.commitTime = resp.CommitTime
	return nil
}

type statusCall struct {
	baseCall
	statusTablet tserver.TabletID
	id           uuid.UUID
	resp         *tserver.GetTransactionStatusResponse
}

func newStatusCall(statusTablet tserver.TabletID, id uuid.UUID) *statusCall {
	return &statusCall{baseCall: baseCall{method: "GetTransactionStatus"}, statusTablet: statusTablet, id: id}
}

func (c *statusCall) TabletID() tserver.TabletID { return c.statusTablet }

func (c *statusCall) Send(ctx context.Context, client tserver.TabletServerClient, rt *locator.RemoteTablet) error {
	resp, err := client.GetTransactionStatus(ctx, &tserver.GetTransactionStatusRequest{
		TabletID:      rt.ID(),
		TransactionID: c.id,
	})
	if err != nil {
		return err
	}
	c.resp = resp
	c.respErr = resp.Error
	return nil
}
