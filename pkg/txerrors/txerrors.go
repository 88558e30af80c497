// Package txerrors collects the error taxonomy of §7: user-visible
// typed errors in the shape of the teacher's pkg/errors (one struct per
// condition, a formatted Error() string), plus the retryable /
// fatal-to-tx / fatal-to-partition classification built on
// github.com/cockroachdb/errors so callers can branch on kind without
// string-matching messages.
package txerrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code is a wire-observable error code from §6.
type Code string

const (
	CodeReplicaUnavailable          Code = "REPLICA_UNAVAILABLE"
	CodePrimaryReplicaMiss          Code = "PRIMARY_REPLICA_MISS"
	CodeReplicationTimeout          Code = "REPLICATION_TIMEOUT"
	CodeReplicaCommon               Code = "REPLICA_COMMON"
	CodeTxFailedReadWriteOperation  Code = "TX_FAILED_READ_WRITE_OPERATION"
	CodeTxAbandoned                 Code = "TX_ABANDONED"
	CodeTxIncompatibleSchema        Code = "TX_INCOMPATIBLE_SCHEMA"
	CodeStorageRebalanceInProgress  Code = "STORAGE_REBALANCE_IN_PROGRESS"
)

// Kind classifies an error for propagation policy (§7).
type Kind int

const (
	// KindRetryable errors should be surfaced to the caller with a retry
	// hint: replication timeout, primary-miss during transient
	// reconfiguration, lock-wait timeout.
	KindRetryable Kind = iota
	// KindFatalToTx aborts the owning transaction: schema incompatibility
	// at commit, a lock-acquire conflict beyond policy, a write-conflict
	// on compare-and-set.
	KindFatalToTx
	// KindFatalToPartition fences the partition for re-initialization
	// from a peer snapshot: storage IO failure, safe-time tracker closed.
	KindFatalToPartition
	// KindUserVisible is a client-facing condition with no retry
	// semantics of its own (the client decides what to do next).
	KindUserVisible
)

// TxError is a classified, wire-coded error carrying a code, a kind
// and a message. It does not hold a reference to any underlying cause:
// errors.Is/As on a TxError never reach the error it was built from.
type TxError struct {
	code Code
	kind Kind
	msg  string
}

func (e *TxError) Error() string { return e.msg }
func (e *TxError) Code() Code    { return e.code }
func (e *TxError) Kind() Kind    { return e.kind }

func newTxError(code Code, kind Kind, format string, args ...any) *TxError {
	return &TxError{code: code, kind: kind, msg: fmt.Sprintf(format, args...)}
}

// ReplicaUnavailable is returned when awaiting a primary replica exceeds
// the 10s ceiling of §5, or the replica is shutting down.
func ReplicaUnavailable(reason string) *TxError {
	return newTxError(CodeReplicaUnavailable, KindRetryable, "replica unavailable: %s", reason)
}

// PrimaryReplicaMiss is returned by ensureReplicaIsPrimary (§4.3) when
// the enlistment-consistency-token does not match the current primary,
// or the lease has expired.
func PrimaryReplicaMiss(token int64) *TxError {
	return newTxError(CodePrimaryReplicaMiss, KindRetryable,
		"replica is not primary for enlistment consistency token %d", token)
}

// ReplicationTimeout is returned when a replicated-log append does not
// become durable within the caller's deadline.
func ReplicationTimeout() *TxError {
	return newTxError(CodeReplicationTimeout, KindRetryable, "replication timed out")
}

// IncompatibleSchema is returned by the schema compatibility validator,
// both on the read side (validateBackwards) and the commit side
// (validateForward, which additionally aborts the transaction).
func IncompatibleSchema(tableId uint32, from, to uint32) *TxError {
	return newTxError(CodeTxIncompatibleSchema, KindFatalToTx,
		"schema version %d is not compatible with version %d for table %d", from, to, tableId)
}

// TransactionAbandoned is returned when a write intent's owning
// transaction's coordinator is lost (§4.3 step 7).
func TransactionAbandoned(txId string) *TxError {
	return newTxError(CodeTxAbandoned, KindUserVisible, "transaction %s was abandoned by its coordinator", txId)
}

// FailedReadWriteInReadOnly is the user-visible message of §7(d):
// "Failed to enlist read-write operation into read-only transaction".
func FailedReadWriteInReadOnly() *TxError {
	return newTxError(CodeTxFailedReadWriteOperation, KindUserVisible,
		"failed to enlist read-write operation into read-only transaction")
}

// RebalanceInProgress is returned when a request targets a partition
// whose replica set is mid-transition in a way the caller must retry
// against.
func RebalanceInProgress(group string) *TxError {
	return newTxError(CodeStorageRebalanceInProgress, KindRetryable,
		"replication group %s is rebalancing", group)
}

// WrapFatalToPartition wraps a low-level storage error (IO failure,
// closed safe-time tracker) as fatal-to-partition, per §7(c). Only the
// text of the wrapped error ("<format>: <cause>") is kept as the
// message; the cause's stack trace and identity are not retained.
func WrapFatalToPartition(cause error, format string, args ...any) *TxError {
	wrapped := errors.Wrapf(cause, format, args...)
	return newTxError(CodeReplicaCommon, KindFatalToPartition, "%s", wrapped.Error())
}

// CodeOf extracts the wire-observable code from err, unwrapping through
// any github.com/cockroachdb/errors wrapping. Errors that were never
// constructed through this package report CodeReplicaCommon, the
// catch-all fatal-to-partition code.
func CodeOf(err error) Code {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.code
	}
	return CodeReplicaCommon
}

// AssertionFailed reports a state the design treats as provably
// impossible — e.g. the "next.commitTs > lastCommitTs" branch of
// performStorageCleanupIfNeeded (§4.2). The returned error carries a
// cockroachdb/errors assertion marker so monitoring can distinguish it
// from ordinary failures instead of it being silently swallowed.
func AssertionFailed(format string, args ...any) error {
	return errors.AssertionFailedf(format, args...)
}
