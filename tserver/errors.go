package tserver

import (
	"fmt"

	"github.com/pingcap/errors"

	"github.com/tabkv/tabkv/hlc"
)

// Code is the fixed enumeration of application-level error codes a
// tablet can embed in an otherwise successful response.
type Code int32

const (
	CodeOK Code = iota
	CodeNotTheLeader
	CodeTabletNotFound
	CodeRestartRequired
	CodeExpired
	CodeConflict
	CodeAborted
	CodeInvalidState
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNotTheLeader:
		return "NOT_THE_LEADER"
	case CodeTabletNotFound:
		return "TABLET_NOT_FOUND"
	case CodeRestartRequired:
		return "RESTART_REQUIRED"
	case CodeExpired:
		return "EXPIRED"
	case CodeConflict:
		return "CONFLICT"
	case CodeAborted:
		return "ABORTED"
	case CodeInvalidState:
		return "INVALID_STATE"
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// TabletError is the application error embedded in a response. A nil
// *TabletError means the operation succeeded.
type TabletError struct {
	Code     Code
	TabletID TabletID
	Message  string

	// LeaderHint carries the rejecting follower's view of the current
	// leader for CodeNotTheLeader. Zero when unknown.
	LeaderHint NodeID
	// RestartTime carries the conflicting commit time for
	// CodeRestartRequired; a restarted read point must advance past it.
	RestartTime hlc.HybridTime
}

func (e *TabletError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tablet %v: %v: %v", e.TabletID, e.Code, e.Message)
	}
	return fmt.Sprintf("tablet %v: %v", e.TabletID, e.Code)
}

func NewNotTheLeader(tablet TabletID, leaderHint NodeID) *TabletError {
	return &TabletError{Code: CodeNotTheLeader, TabletID: tablet, LeaderHint: leaderHint}
}

func NewTabletNotFound(tablet TabletID) *TabletError {
	return &TabletError{Code: CodeTabletNotFound, TabletID: tablet}
}

func NewRestartRequired(tablet TabletID, restartTime hlc.HybridTime) *TabletError {
	return &TabletError{Code: CodeRestartRequired, TabletID: tablet, RestartTime: restartTime}
}

func NewExpired(tablet TabletID) *TabletError {
	return &TabletError{Code: CodeExpired, TabletID: tablet}
}

func NewConflict(tablet TabletID, key []byte) *TabletError {
	return &TabletError{Code: CodeConflict, TabletID: tablet, Message: fmt.Sprintf("conflicting intent on key %q", key)}
}

// ErrorCode extracts the tablet error code from an error chain.
// Errors that are not TabletErrors report CodeInvalidState.
func ErrorCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	if te, ok := errors.Cause(err).(*TabletError); ok {
		return te.Code
	}
	return CodeInvalidState
}

// IsRestartRequired reports whether err demands a restarted
// transaction with an advanced read point.
func IsRestartRequired(err error) bool {
	return ErrorCode(err) == CodeRestartRequired
}

// IsConflict reports whether err is a lost write-write race.
func IsConflict(err error) bool {
	return ErrorCode(err) == CodeConflict
}

// IsExpired reports whether the transaction was aborted server-side
// after its heartbeats lapsed.
func IsExpired(err error) bool {
	return ErrorCode(err) == CodeExpired
}
