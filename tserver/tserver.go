// Package tserver defines the contract spoken between the client layer
// and tablet servers: row operations, the status-tablet transaction
// protocol, and the error codes both may embed. Transport framing is
// not defined here; any transport that can carry these messages and
// satisfy TabletServerClient will do.
package tserver

import (
	"context"

	"github.com/google/uuid"

	"github.com/tabkv/tabkv/hlc"
)

// TabletID identifies one replicated partition of the dataset.
type TabletID string

// NodeID identifies one server process hosting tablet replicas.
type NodeID uint64

type IsolationLevel int32

const (
	SnapshotIsolation IsolationLevel = iota
	SerializableIsolation
)

// TransactionMetadata travels with every operation issued under a
// transaction. Immutable once the transaction is initialized.
type TransactionMetadata struct {
	ID           uuid.UUID
	Isolation    IsolationLevel
	StatusTablet TabletID
	StartTime    hlc.HybridTime
}

type TransactionStatus int32

const (
	StatusPending TransactionStatus = iota
	StatusCommitted
	StatusAborted
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// ReadRequest reads one row at the caller's read point. Txn is nil for
// non-transactional reads, which are evaluated at ReadTime alone.
type ReadRequest struct {
	TabletID TabletID
	Key      []byte

	ReadTime    hlc.HybridTime
	GlobalLimit hlc.HybridTime
	// LocalLimit, when valid, replaces GlobalLimit as the upper edge of
	// the uncertainty window for this tablet.
	LocalLimit hlc.HybridTime
	// InTxnLimit, when valid, hides the transaction's own intents
	// written after it. Child transactions set it to the parent's
	// prepare point.
	InTxnLimit hlc.HybridTime

	Txn *TransactionMetadata
}

type ReadResponse struct {
	Error *TabletError
	Value []byte
	Found bool
	// LocalLimit reports the tablet's safe time at the moment of the
	// read; later reads of the same tablet can shrink their
	// uncertainty window to it.
	LocalLimit hlc.HybridTime
}

// WriteRequest writes or deletes one row. With Txn set the write lands
// as a provisional intent; otherwise it commits immediately.
type WriteRequest struct {
	TabletID TabletID
	Key      []byte
	Value    []byte
	Delete   bool

	Txn *TransactionMetadata
}

type WriteResponse struct {
	Error *TabletError
}

type RegisterTransactionRequest struct {
	TabletID TabletID
	Metadata TransactionMetadata
}

type RegisterTransactionResponse struct {
	Error *TabletError
}

type HeartbeatRequest struct {
	TabletID      TabletID
	TransactionID uuid.UUID
}

type HeartbeatResponse struct {
	Error *TabletError
}

// UpdateTransactionRequest finalizes a transaction record. Status must
// be StatusCommitted or StatusAborted. ParticipantTablets lists every
// tablet holding intents and must be complete for commits; the status
// tablet persists it before acknowledging so cleanup can always find
// the intents.
type UpdateTransactionRequest struct {
	TabletID           TabletID
	TransactionID      uuid.UUID
	Status             TransactionStatus
	ParticipantTablets []TabletID
}

type UpdateTransactionResponse struct {
	Error      *TabletError
	CommitTime hlc.HybridTime
}

type GetTransactionStatusRequest struct {
	TabletID      TabletID
	TransactionID uuid.UUID
}

// GetTransactionStatusResponse reports the authoritative state of a
// transaction. StatusTime is monotonically non-decreasing while the
// status stays PENDING, strictly greater at the PENDING->COMMITTED
// transition, and constant thereafter.
type GetTransactionStatusResponse struct {
	Error      *TabletError
	Status     TransactionStatus
	StatusTime hlc.HybridTime
}

// TabletServerClient is one tablet server's service surface. A method
// error is a transport-level failure; application-level failures ride
// in each response's Error field.
type TabletServerClient interface {
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error)

	RegisterTransaction(ctx context.Context, req *RegisterTransactionRequest) (*RegisterTransactionResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	UpdateTransaction(ctx context.Context, req *UpdateTransactionRequest) (*UpdateTransactionResponse, error)
	GetTransactionStatus(ctx context.Context, req *GetTransactionStatusRequest) (*GetTransactionStatusResponse, error)
}
