// Package storageupdate implements the storage update handler of §4.2:
// applies writes (as write intents or, on the 1PC path, directly as
// committed versions), tracks pending intents per transaction, cleans
// up on commit/abort, and self-heals stale intents left behind by a
// coordinator that never finished cleanup ("speculative cleanup").
package storageupdate

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/mvccstore"
	"github.com/bobboyms/partitiontx/pkg/rowid"
	"github.com/bobboyms/partitiontx/pkg/txerrors"
	"github.com/bobboyms/partitiontx/pkg/txn"
)

// Handler is the storage update handler for one partition. It wraps a
// version Store plus the transaction registry that tracks which rows a
// pending transaction has touched, and serializes every write under a
// single mutex — the "consistent section" of §4.2 that keeps index
// writes and data writes for the same row from tearing.
type Handler struct {
	store    *mvccstore.Store
	registry *txn.Registry
	log      zerolog.Logger

	// BatchSize records the configured GC batch size (§4.2 "Batch
	// GC"). The Handler itself does not read it; the per-run row bound
	// is applied by watermark.GCDriver's own BatchSize.
	BatchSize int

	consistentSection sync.Mutex
}

// New constructs a Handler over store, tracking pending intents in
// registry.
func New(store *mvccstore.Store, registry *txn.Registry, log zerolog.Logger) *Handler {
	return &Handler{store: store, registry: registry, log: log, BatchSize: 256}
}

// HandleUpdate applies a single-row upsert or delete (row == nil means
// delete/tombstone). If commitTs is non-zero the write lands directly
// as a COMMITTED version (the 1PC path); otherwise it lands as a
// WRITE_INTENT owned by txId. trackIntent controls whether the write is
// recorded in the pending-rows set for later cleanup — false for the
// 1PC path, which never needs cleanup. onApplication, if non-nil, is
// invoked once the write has landed, letting the replica listener
// release short-term locks or ack a delayed-ack future at the right
// moment.
func (h *Handler) HandleUpdate(
	id rowid.RowId,
	txId string,
	commitPartition rowid.TablePartitionId,
	row *rowid.BinaryRow,
	trackIntent bool,
	commitTs clock.Timestamp,
	lastCommitTs clock.Timestamp,
	onApplication func(),
) error {
	h.consistentSection.Lock()
	defer h.consistentSection.Unlock()

	if err := h.performSpeculativeCleanupLocked(id, txId, lastCommitTs); err != nil {
		return err
	}

	if !commitTs.IsZero() {
		h.store.WriteCommitted(id, row, commitTs)
	} else {
		h.store.WriteIntent(id, txId, row, commitPartition.TableId, commitPartition.PartitionId)
		if trackIntent {
			h.registry.TrackPendingRow(txId, id)
		}
	}

	if onApplication != nil {
		onApplication()
	}
	return nil
}

// HandleUpdateAll applies a multi-row upsert/delete batch atomically
// from the caller's perspective: rows is iterated in rowId order, which
// coincides with natural UUID order within one partition and is also
// the lock-acquisition order §4.1 requires for deadlock avoidance.
// lastCommitTsByRow supplies the per-row `lastCommitTimestamp` the
// primary attached to each row for speculative cleanup.
func (h *Handler) HandleUpdateAll(
	rows map[rowid.RowId]*rowid.BinaryRow,
	txId string,
	commitPartition rowid.TablePartitionId,
	trackIntent bool,
	commitTs clock.Timestamp,
	lastCommitTsByRow map[rowid.RowId]clock.Timestamp,
	onApplication func(),
) error {
	ids := make([]rowid.RowId, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return rowid.Less(ids[i], ids[j]) })

	h.consistentSection.Lock()
	defer h.consistentSection.Unlock()

	for _, id := range ids {
		if err := h.performSpeculativeCleanupLocked(id, txId, lastCommitTsByRow[id]); err != nil {
			return err
		}
		if !commitTs.IsZero() {
			h.store.WriteCommitted(id, rows[id], commitTs)
		} else {
			h.store.WriteIntent(id, txId, rows[id], commitPartition.TableId, commitPartition.PartitionId)
			if trackIntent {
				h.registry.TrackPendingRow(txId, id)
			}
		}
	}

	if onApplication != nil {
		onApplication()
	}
	return nil
}

// HandleWriteIntentRead records that a reader observed rowId's write
// intent from txId, so a later cleanup pass knows to finalize it even
// if the writing transaction's own coordinator never drove cleanup to
// this partition (§4.2).
func (h *Handler) HandleWriteIntentRead(txId string, id rowid.RowId) {
	h.registry.TrackPendingRow(txId, id)
}

// HandleTransactionCleanup finalizes every rowId tracked for txId:
// commits them at commitTs if commit is true, aborts them otherwise.
// Each rowId is finalized under its own chain lock (via the Store's
// per-row locking), so cleanup of one row never blocks an unrelated
// row's writers. Idempotent: calling this twice for the same outcome
// leaves the same final chain (§8).
func (h *Handler) HandleTransactionCleanup(txId string, commit bool, commitTs clock.Timestamp) {
	for _, id := range h.registry.PendingRows(txId) {
		if commit {
			h.store.CommitWrite(id, commitTs)
		} else {
			h.store.AbortWrite(id)
		}
	}
}

// performSpeculativeCleanupLocked implements performStorageCleanupIfNeeded
// (§4.2): before applying a new write to id, peek the current chain
// head. If it is a WRITE_INTENT left behind by a *different* transaction
// than the one about to write, decide whether that stale intent should
// be committed or aborted based on how lastCommitTs (the primary's view
// of the most recent known commit for this row) compares to the next
// committed version beneath the intent. Must be called with
// consistentSection held. Returns a fatal-to-partition error if the
// chain is found in a state the design treats as provably impossible,
// leaving the stale intent unresolved and the chain head untouched
// rather than risking a second write stacking on top of it (§3 "at
// most one WRITE_INTENT per rowId, must be chain head").
func (h *Handler) performSpeculativeCleanupLocked(id rowid.RowId, txId string, lastCommitTs clock.Timestamp) error {
	otherTx, _, ok := h.store.PeekWriteIntent(id)
	if !ok || otherTx == txId {
		return nil
	}

	nextTs, hasNext := h.store.NextCommittedTs(id)
	switch {
	case !hasNext:
		// No next committed version: the intent is the row's first
		// write. It must be the one lastCommitTs refers to.
		h.store.CommitWrite(id, lastCommitTs)
	case nextTs.Less(lastCommitTs):
		h.store.CommitWrite(id, lastCommitTs)
	case nextTs.Compare(lastCommitTs) == 0:
		// The previous transaction aborted but its own cleanup never
		// ran; self-heal by aborting the stale intent now.
		h.store.AbortWrite(id)
	default:
		// nextTs > lastCommitTs should never happen: the primary never
		// reports a lastCommitTs older than a version the replica
		// already has committed.
		h.log.Error().
			Str("row_id", id.String()).
			Str("other_tx", otherTx).
			Msg("speculative cleanup observed next.commitTs > lastCommitTs")
		cause := txerrors.AssertionFailed(
			"speculative cleanup: next.commitTs (%v) > lastCommitTs (%v) for row %s", nextTs, lastCommitTs, id)
		return txerrors.WrapFatalToPartition(cause, "speculative cleanup for row %s", id)
	}
	return nil
}

// Store exposes the handler's backing version store to callers that
// need a read path (the replica listener's RW_GET/RO_GET handlers).
func (h *Handler) Store() *mvccstore.Store { return h.store }
