// Package replica implements the partition replica listener of §4.3: the
// entry point for every request directed at one partition group. It
// checks primary-replica standing against the placement driver client,
// acquires locks from the lock manager, validates schema compatibility,
// appends commands to the replicated log, and applies them to the MVCC
// storage update handler — serializing write-command submission order
// against the partition's safe-time with a linearization mutex, per §5.
package replica

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/lock"
	"github.com/bobboyms/partitiontx/pkg/metrics"
	"github.com/bobboyms/partitiontx/pkg/mvccstore"
	"github.com/bobboyms/partitiontx/pkg/placement"
	"github.com/bobboyms/partitiontx/pkg/replog"
	"github.com/bobboyms/partitiontx/pkg/rowid"
	"github.com/bobboyms/partitiontx/pkg/schema"
	"github.com/bobboyms/partitiontx/pkg/storageupdate"
	"github.com/bobboyms/partitiontx/pkg/txerrors"
	"github.com/bobboyms/partitiontx/pkg/txn"
	"github.com/bobboyms/partitiontx/pkg/watermark"
)

// RemoteCleanup is how the listener reaches another partition's replica
// to drive processTxCleanupAction on it (§4.3 processTxFinishAction step
// 4) — modeled narrowly so the listener depends on an interface rather
// than a concrete RPC stack (out of scope per §1 Non-goals).
type RemoteCleanup interface {
	Cleanup(ctx context.Context, group rowid.TablePartitionId, txId string, commit bool, commitTs clock.Timestamp) error
}

// Listener is the partition replica listener for one replication group.
type Listener struct {
	Group rowid.TablePartitionId

	Locks     *lock.Manager
	Store     *storageupdate.Handler
	Registry  *txn.Registry
	Resolver  *txn.Resolver
	Validator *schema.Validator
	Clock     *clock.HybridClock
	Log       replog.ReplicatedLog
	Placement *placement.Client
	SafeTime  *watermark.Tracker
	Remote    RemoteCleanup

	Logger  zerolog.Logger
	Metrics *metrics.Registry // optional; nil disables Prometheus reporting

	// writeMu is the per-replica linearization mutex of §5: write-command
	// submission order must equal replicated-log order must equal
	// safe-time monotonic order.
	writeMu sync.Mutex
}

// New constructs a Listener for group, wiring the components built
// elsewhere in the module. metricsReg may be nil.
func New(group rowid.TablePartitionId, locks *lock.Manager, store *storageupdate.Handler,
	registry *txn.Registry, resolver *txn.Resolver, validator *schema.Validator,
	hlc *clock.HybridClock, log replog.ReplicatedLog, placementClient *placement.Client,
	safeTime *watermark.Tracker, remote RemoteCleanup, logger zerolog.Logger, metricsReg *metrics.Registry) *Listener {
	return &Listener{
		Group: group, Locks: locks, Store: store, Registry: registry, Resolver: resolver,
		Validator: validator, Clock: hlc, Log: log, Placement: placementClient, SafeTime: safeTime,
		Remote: remote, Logger: logger, Metrics: metricsReg,
	}
}

// recordRequest reports one request's outcome against kind, if metrics
// are configured.
func (l *Listener) recordRequest(kind string, err error) {
	if l.Metrics == nil {
		return
	}
	l.Metrics.RequestsTotal.WithLabelValues(kind).Inc()
	if err != nil {
		l.Metrics.RequestErrors.WithLabelValues(kind, string(txerrors.CodeOf(err))).Inc()
	}
}

// ensureReplicaIsPrimary implements §4.3's primary check: a request
// carrying an enlistmentConsistencyToken fails with PRIMARY_REPLICA_MISS
// if the token mismatches or the lease has expired at now().
func (l *Listener) ensureReplicaIsPrimary(token int64) (placement.PrimaryReplicaMeta, error) {
	meta, ok := l.Placement.EnsurePrimary(l.Group, token, l.Clock.Now())
	if !ok {
		return meta, txerrors.PrimaryReplicaMiss(token)
	}
	return meta, nil
}

// RWRequest carries the fields common to every read-write operation
// (§6 "Read-write single/multi/swap/scan").
type RWRequest struct {
	TxId              string
	Term              int64 // enlistmentConsistencyToken
	CommitTableId     uint32
	CommitPartitionId uint32
	Full              bool // 1PC path
}

// Future models the "returns a future the client awaits" seam of §4.3's
// delayed acknowledgement: a single-replica deployment completes it as
// soon as the local apply lands, while a replicated deployment would
// complete it once the command reaches quorum durability.
type Future struct {
	done chan struct{}
	row  *rowid.BinaryRow
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) complete(row *rowid.BinaryRow, err error) {
	f.row, f.err = row, err
	close(f.done)
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (*rowid.BinaryRow, error) {
	select {
	case <-f.done:
		return f.row, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RWGet implements RW_GET: Table IS + Row S (the short-term key lock
// releases right after the read completes, since reads need no
// durability window).
func (l *Listener) RWGet(ctx context.Context, req RWRequest, tableId uint32, id rowid.RowId) (row *rowid.BinaryRow, err error) {
	defer func() { l.recordRequest("RW_GET", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return nil, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IS); err != nil {
		return nil, err
	}
	rowLock, err := l.Locks.AcquireShortTerm(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.S)
	if err != nil {
		return nil, err
	}
	defer l.Locks.ReleaseShortTerm(rowLock)

	return l.resolveReadRW(ctx, id, l.Clock.Now(), req.TxId, tableId)
}

// RWGetAll implements RW_GET_ALL: Table IS plus per-row S, returning a
// null-padded slice aligned with ids.
func (l *Listener) RWGetAll(ctx context.Context, req RWRequest, tableId uint32, ids []rowid.RowId) (rows []*rowid.BinaryRow, err error) {
	defer func() { l.recordRequest("RW_GET_ALL", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return nil, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IS); err != nil {
		return nil, err
	}
	readTs := l.Clock.Now()
	out := make([]*rowid.BinaryRow, len(ids))
	for i, id := range ids {
		rowLock, err := l.Locks.AcquireShortTerm(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.S)
		if err != nil {
			return nil, err
		}
		row, err := l.resolveReadRW(ctx, id, readTs, req.TxId, tableId)
		l.Locks.ReleaseShortTerm(rowLock)
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// RWScan implements RW_SCAN (§4.3 "retrieve-batch (index lookup)"):
// Table IS plus a per-row S short-term lock over a batched cursor walk
// of the partition's rowId order, the same order GCBelow's driver walks
// the store in. after is the cursor from a previous page's ScanPage.Cursor
// (the zero RowId starts from the beginning); limit bounds the page size
// (<= 0 returns the rest of the range in one page).
func (l *Listener) RWScan(ctx context.Context, req RWRequest, tableId uint32, after rowid.RowId, limit int) (page ScanPage, err error) {
	defer func() { l.recordRequest("RW_SCAN", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return ScanPage{}, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IS); err != nil {
		return ScanPage{}, err
	}

	ids, done := l.scanRange(after, limit)
	readTs := l.Clock.Now()
	rows := make([]ScannedRow, 0, len(ids))
	for _, id := range ids {
		rowLock, err := l.Locks.AcquireShortTerm(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.S)
		if err != nil {
			return ScanPage{}, err
		}
		row, err := l.resolveReadRW(ctx, id, readTs, req.TxId, tableId)
		l.Locks.ReleaseShortTerm(rowLock)
		if err != nil {
			return ScanPage{}, err
		}
		if row != nil {
			rows = append(rows, ScannedRow{Id: id, Row: row})
		}
	}
	cursor := after
	if len(ids) > 0 {
		cursor = ids[len(ids)-1]
	}
	return ScanPage{Rows: rows, Cursor: cursor, Done: done}, nil
}

// ScannedRow is one row visited by RW_SCAN/RO_SCAN.
type ScannedRow struct {
	Id  rowid.RowId
	Row *rowid.BinaryRow
}

// ScanPage is one batch of a cursor walk. Cursor feeds back into the
// next call's after argument; Done reports whether the range is
// exhausted (no more pages past this one).
type ScanPage struct {
	Rows   []ScannedRow
	Cursor rowid.RowId
	Done   bool
}

// scanRange returns the rowIds strictly after 'after' (the zero RowId
// scans from the beginning of the partition), up to limit entries
// (<= 0 means "the rest of the range"), plus whether the returned page
// reaches the end of the store.
func (l *Listener) scanRange(after rowid.RowId, limit int) ([]rowid.RowId, bool) {
	all := l.Store.Store().RowIds()
	start := 0
	var zero rowid.RowId
	if after != zero {
		start = sort.Search(len(all), func(i int) bool { return rowid.Less(after, all[i]) })
	}
	remaining := all[start:]
	if limit <= 0 || limit >= len(remaining) {
		return remaining, true
	}
	return remaining[:limit], false
}

// RWInsert implements RW_INSERT: Table IX, an exclusive insert lock on
// the new RowId, appends an UpdateCommand, and releases the short-term
// lock once the command is durably appended.
func (l *Listener) RWInsert(ctx context.Context, req RWRequest, tableId uint32, id rowid.RowId, row rowid.BinaryRow) (err error) {
	defer func() { l.recordRequest("RW_INSERT", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IX); err != nil {
		return err
	}
	rowLock, err := l.Locks.AcquireShortTerm(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.X)
	if err != nil {
		return err
	}

	if current := l.Store.Store().Read(id); current.Kind != mvccstore.KindEmpty {
		l.Locks.ReleaseShortTerm(rowLock)
		return errors.Newf("replica: row %s already exists", id.String())
	}

	_, err = l.applyWrite(ctx, req, id, &row, func() { l.Locks.ReleaseShortTerm(rowLock) })
	return err
}

// RWUpsert implements RW_UPSERT / RW_GET_AND_UPSERT: updates if the row
// exists, inserts otherwise. Returns the row's previous value (nil if
// it didn't exist) for the GET_AND_UPSERT variant; callers not
// interested in the previous value simply ignore it.
func (l *Listener) RWUpsert(ctx context.Context, req RWRequest, tableId uint32, id rowid.RowId, row rowid.BinaryRow) (result *rowid.BinaryRow, err error) {
	defer func() { l.recordRequest("RW_UPSERT", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return nil, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IX); err != nil {
		return nil, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.X); err != nil {
		return nil, err
	}

	previous := l.previousVisibleRow(id)
	if _, err := l.applyWrite(ctx, req, id, &row, nil); err != nil {
		return nil, err
	}
	return previous, nil
}

// RWReplaceIfExist implements RW_REPLACE_IF_EXIST / RW_GET_AND_REPLACE:
// S then X on RowId; replaces unconditionally if the row exists, is a
// no-op otherwise.
func (l *Listener) RWReplaceIfExist(ctx context.Context, req RWRequest, tableId uint32, id rowid.RowId, newRow rowid.BinaryRow) (previous *rowid.BinaryRow, replaced bool, err error) {
	defer func() { l.recordRequest("RW_REPLACE_IF_EXIST", err) }()
	if _, err = l.ensureReplicaIsPrimary(req.Term); err != nil {
		return nil, false, err
	}
	if _, err = l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IX); err != nil {
		return nil, false, err
	}
	if _, err = l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.S); err != nil {
		l.releaseIfOneShot(req)
		return nil, false, err
	}

	previous = l.previousVisibleRow(id)
	if previous == nil {
		l.releaseIfOneShot(req)
		return nil, false, nil
	}
	if _, err = l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.X); err != nil {
		l.releaseIfOneShot(req)
		return nil, false, err
	}
	if _, err = l.applyWrite(ctx, req, id, &newRow, nil); err != nil {
		return nil, false, err
	}
	return previous, true, nil
}

// RWReplace implements RW_REPLACE(oldRow, newRow): compare-and-set. It
// takes S, reads the current value, and only escalates to X and writes
// if it equals oldRow.
func (l *Listener) RWReplace(ctx context.Context, req RWRequest, tableId uint32, id rowid.RowId, oldRow, newRow rowid.BinaryRow) (ok bool, err error) {
	defer func() { l.recordRequest("RW_REPLACE", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return false, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IX); err != nil {
		return false, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.S); err != nil {
		l.releaseIfOneShot(req)
		return false, err
	}

	current := l.previousVisibleRow(id)
	if current == nil || !current.Equal(oldRow) {
		l.releaseIfOneShot(req)
		return false, nil
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.X); err != nil {
		l.releaseIfOneShot(req)
		return false, err
	}
	if _, err := l.applyWrite(ctx, req, id, &newRow, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RWDelete implements RW_DELETE / RW_GET_AND_DELETE: writes a tombstone
// write intent (or committed tombstone, on the 1PC path).
func (l *Listener) RWDelete(ctx context.Context, req RWRequest, tableId uint32, id rowid.RowId) (result *rowid.BinaryRow, err error) {
	defer func() { l.recordRequest("RW_DELETE", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return nil, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IX); err != nil {
		return nil, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.X); err != nil {
		return nil, err
	}

	previous := l.previousVisibleRow(id)
	if _, err := l.applyWrite(ctx, req, id, nil, nil); err != nil {
		return nil, err
	}
	return previous, nil
}

// RWDeleteExact implements RW_DELETE_EXACT: S on RowId, escalating to X
// only if the current value equals expected.
func (l *Listener) RWDeleteExact(ctx context.Context, req RWRequest, tableId uint32, id rowid.RowId, expected rowid.BinaryRow) (ok bool, err error) {
	defer func() { l.recordRequest("RW_DELETE_EXACT", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return false, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IX); err != nil {
		return false, err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.S); err != nil {
		l.releaseIfOneShot(req)
		return false, err
	}

	current := l.previousVisibleRow(id)
	if current == nil || !current.Equal(expected) {
		l.releaseIfOneShot(req)
		return false, nil
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.X); err != nil {
		l.releaseIfOneShot(req)
		return false, err
	}
	if _, err := l.applyWrite(ctx, req, id, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RWUpdateAll applies a multi-row batch write under one transaction,
// locking and writing rows in rowId order — the deadlock-avoidance
// ordering of §4.1: two transactions updating overlapping row sets in
// any order will always acquire locks in the same global order.
func (l *Listener) RWUpdateAll(ctx context.Context, req RWRequest, tableId uint32, rows map[rowid.RowId]*rowid.BinaryRow) (err error) {
	defer func() { l.recordRequest("RW_UPDATE_ALL", err) }()
	if _, err := l.ensureReplicaIsPrimary(req.Term); err != nil {
		return err
	}
	if _, err := l.Locks.Acquire(ctx, req.TxId, lock.TableKey(tableId), lock.IX); err != nil {
		return err
	}

	ids := make([]rowid.RowId, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return rowid.Less(ids[i], ids[j]) })

	lastCommitByRow := make(map[rowid.RowId]clock.Timestamp, len(ids))
	for _, id := range ids {
		if _, err := l.Locks.Acquire(ctx, req.TxId, lock.RowKey(tableId, id.UUID), lock.X); err != nil {
			return err
		}
		lastCommitByRow[id] = l.lastKnownCommitTs(id)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var commitTs clock.Timestamp
	trackIntent := !req.Full
	if req.Full {
		commitTs = l.Clock.Now()
	}

	cmd := replog.UpdateAllCommand{
		TxId: req.TxId, CommitTableId: req.CommitTableId, CommitPartitionId: req.CommitPartitionId,
		CommitTs: commitTs, TrackIntent: trackIntent,
	}
	for _, id := range ids {
		cmd.RowIds = append(cmd.RowIds, id)
		if rows[id] != nil {
			cmd.Rows = append(cmd.Rows, rows[id].TupleBytes)
		} else {
			cmd.Rows = append(cmd.Rows, nil)
		}
		cmd.LastCommitTs = append(cmd.LastCommitTs, lastCommitByRow[id])
	}
	if _, err := l.Log.AppendUpdateAll(cmd); err != nil {
		return txerrors.WrapFatalToPartition(err, "append UpdateAllCommand for tx %s", req.TxId)
	}

	commitPartition := rowid.TablePartitionId{TableId: req.CommitTableId, PartitionId: req.CommitPartitionId}
	err = l.Store.HandleUpdateAll(rows, req.TxId, commitPartition, trackIntent, commitTs, lastCommitByRow, nil)
	if err != nil {
		return err
	}
	if req.Full {
		for _, id := range ids {
			l.Locks.Release(req.TxId, lock.RowKey(tableId, id.UUID), lock.X)
		}
		l.Locks.Release(req.TxId, lock.TableKey(tableId), lock.IX)
	}
	return nil
}

// applyWrite is the shared single-row write path used by every RW_*
// handler above: it submits an UpdateCommand to the replicated log,
// applies it to storage, and — on the 1PC path — releases locks
// immediately since no finish/cleanup message follows.
func (l *Listener) applyWrite(ctx context.Context, req RWRequest, id rowid.RowId, row *rowid.BinaryRow, onApplication func()) (*Future, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var commitTs clock.Timestamp
	trackIntent := !req.Full
	if req.Full {
		commitTs = l.Clock.Now()
	}
	lastCommitTs := l.lastKnownCommitTs(id)

	cmd := replog.UpdateCommand{
		RowId: id, TxId: req.TxId, CommitTableId: req.CommitTableId, CommitPartitionId: req.CommitPartitionId,
		CommitTs: commitTs, LastCommitTs: lastCommitTs, TrackIntent: trackIntent,
	}
	if row != nil {
		cmd.Row = row.TupleBytes
	}
	if _, err := l.Log.AppendUpdate(cmd); err != nil {
		return nil, txerrors.WrapFatalToPartition(err, "append UpdateCommand for tx %s row %s", req.TxId, id.String())
	}

	f := newFuture()
	commitPartition := rowid.TablePartitionId{TableId: req.CommitTableId, PartitionId: req.CommitPartitionId}
	err := l.Store.HandleUpdate(id, req.TxId, commitPartition, row, trackIntent, commitTs, lastCommitTs, onApplication)
	f.complete(row, err)
	if err != nil {
		return f, err
	}
	if req.Full {
		// 1PC: nothing left to coordinate, release every lock the
		// transaction holds now.
		l.Locks.ReleaseAll(req.TxId)
	}
	return f, nil
}

// releaseIfOneShot drops every lock req.TxId holds once a 1PC request
// determines there is nothing left for it to do (a failed compare-and-set,
// a missing row). A 1PC request is its own entire transaction and never
// issues TX_FINISH/TX_CLEANUP, so without this call those locks would
// never be released. Non-1PC requests leave their locks held under normal
// 2PL until the owning transaction's own finish/cleanup releases them.
func (l *Listener) releaseIfOneShot(req RWRequest) {
	if req.Full {
		l.Locks.ReleaseAll(req.TxId)
	}
}

func (l *Listener) lastKnownCommitTs(id rowid.RowId) clock.Timestamp {
	res := l.Store.Store().Read(id)
	switch res.Kind {
	case mvccstore.KindCommitted:
		return res.CommitTs
	case mvccstore.KindWriteIntent:
		return res.NewestCommitTs
	default:
		return clock.Zero
	}
}

// previousVisibleRow resolves the row currently visible to a read-write
// caller (read-your-writes applies: an intent owned by the requesting
// transaction is visible to it immediately).
func (l *Listener) previousVisibleRow(id rowid.RowId) *rowid.BinaryRow {
	res := l.Store.Store().Read(id)
	if res.Kind == mvccstore.KindEmpty {
		return nil
	}
	return res.Row
}

// ROGet implements RO_GET/RO_SCAN's single-key path: uses readTimestamp
// and performs full write-intent resolution (§4.3).
func (l *Listener) ROGet(ctx context.Context, readTs clock.Timestamp, isPrimary bool, id rowid.RowId) (result *rowid.BinaryRow, err error) {
	defer func() { l.recordRequest("RO_GET", err) }()
	if isPrimary {
		if err := l.waitForSafeTime(ctx, readTs); err != nil {
			return nil, err
		}
	}
	return l.resolveRead(ctx, id, readTs, "")
}

// ROGetAll implements RO_GET_ALL.
func (l *Listener) ROGetAll(ctx context.Context, readTs clock.Timestamp, isPrimary bool, ids []rowid.RowId) (result []*rowid.BinaryRow, err error) {
	defer func() { l.recordRequest("RO_GET_ALL", err) }()
	if isPrimary {
		if err := l.waitForSafeTime(ctx, readTs); err != nil {
			return nil, err
		}
	}
	out := make([]*rowid.BinaryRow, len(ids))
	for i, id := range ids {
		row, err := l.resolveRead(ctx, id, readTs, "")
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// ROScan implements RO_SCAN: uses readTimestamp and performs full
// write-intent resolution, the same as RO_GET/RO_GET_ALL, but walks a
// batched cursor over the partition's rowId order instead of an
// explicit id list. No locks are taken — read-only requests never
// participate in 2PL (§4.3).
func (l *Listener) ROScan(ctx context.Context, readTs clock.Timestamp, isPrimary bool, after rowid.RowId, limit int) (page ScanPage, err error) {
	defer func() { l.recordRequest("RO_SCAN", err) }()
	if isPrimary {
		if err := l.waitForSafeTime(ctx, readTs); err != nil {
			return ScanPage{}, err
		}
	}
	ids, done := l.scanRange(after, limit)
	rows := make([]ScannedRow, 0, len(ids))
	for _, id := range ids {
		row, err := l.resolveRead(ctx, id, readTs, "")
		if err != nil {
			return ScanPage{}, err
		}
		if row != nil {
			rows = append(rows, ScannedRow{Id: id, Row: row})
		}
	}
	cursor := after
	if len(ids) > 0 {
		cursor = ids[len(ids)-1]
	}
	return ScanPage{Rows: rows, Cursor: cursor, Done: done}, nil
}

// DirectROGet implements the direct (no tx context) RO_GET: uses now()
// and an enlistmentConsistencyToken rather than a readTimestamp.
func (l *Listener) DirectROGet(ctx context.Context, token int64, id rowid.RowId) (result *rowid.BinaryRow, err error) {
	defer func() { l.recordRequest("RO_GET_DIRECT", err) }()
	if _, err := l.ensureReplicaIsPrimary(token); err != nil {
		return nil, err
	}
	return l.resolveRead(ctx, id, l.Clock.Now(), "")
}

// DirectROGetAll implements the direct (no tx context) RO_GET_ALL (spec.md
// §6 "Direct read-only single/multi"): uses now() and an
// enlistmentConsistencyToken rather than a readTimestamp, mirroring
// DirectROGet for a batch of ids.
func (l *Listener) DirectROGetAll(ctx context.Context, token int64, ids []rowid.RowId) (rows []*rowid.BinaryRow, err error) {
	defer func() { l.recordRequest("RO_GET_ALL_DIRECT", err) }()
	if _, err := l.ensureReplicaIsPrimary(token); err != nil {
		return nil, err
	}
	now := l.Clock.Now()
	out := make([]*rowid.BinaryRow, len(ids))
	for i, id := range ids {
		row, err := l.resolveRead(ctx, id, now, "")
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// resolveRead implements the write-intent resolution protocol of §4.3
// steps 1-8.
func (l *Listener) resolveRead(ctx context.Context, id rowid.RowId, readTs clock.Timestamp, selfTxId string) (*rowid.BinaryRow, error) {
	head := l.Store.Store().Read(id)

	switch head.Kind {
	case mvccstore.KindEmpty:
		return nil, nil

	case mvccstore.KindCommitted:
		if head.CommitTs.LessEq(readTs) {
			return head.Row, nil
		}
		fallback := l.Store.Store().ReadAsOf(id, readTs)
		return fallback.Row, nil

	case mvccstore.KindWriteIntent:
		if head.TxId == selfTxId && selfTxId != "" {
			return head.Row, nil // read-your-writes
		}

		commitRef := txn.CommitPartitionRef{TableId: head.CommitTableId, PartitionId: head.CommitPartId}
		meta, err := l.Resolver.Resolve(ctx, commitRef, head.TxId)
		if err != nil {
			return nil, err
		}

		switch meta.State {
		case txn.Pending:
			fallback := l.Store.Store().ReadAsOf(id, readTs)
			return fallback.Row, nil

		case txn.Committed:
			if meta.CommitTs.LessEq(readTs) {
				l.scheduleAsyncCleanup(head.TxId, id, true, meta.CommitTs)
				return head.Row, nil
			}
			l.scheduleAsyncCleanup(head.TxId, id, true, meta.CommitTs)
			fallback := l.Store.Store().ReadAsOf(id, readTs)
			return fallback.Row, nil

		case txn.Aborted:
			l.scheduleAsyncCleanup(head.TxId, id, false, clock.Zero)
			fallback := l.Store.Store().ReadAsOf(id, readTs)
			return fallback.Row, nil

		case txn.Abandoned:
			return nil, txerrors.TransactionAbandoned(head.TxId)

		default:
			return nil, errors.Newf("replica: unknown transaction state %v for tx %s", meta.State, head.TxId)
		}
	}
	return nil, errors.Newf("replica: unknown read result kind %v for row %s", head.Kind, id.String())
}

// resolveReadRW wraps resolveRead for the read-write request path: on
// top of write-intent resolution, it enforces §4.5's read-side schema
// check (ValidateBackwards) — a transaction running an older schema
// view must still be able to interpret a row written under a newer
// one, or the read fails with INCOMPATIBLE_SCHEMA rather than handing
// back bytes the caller can't decode.
func (l *Listener) resolveReadRW(ctx context.Context, id rowid.RowId, readTs clock.Timestamp, txId string, tableId uint32) (*rowid.BinaryRow, error) {
	row, err := l.resolveRead(ctx, id, readTs, txId)
	if err != nil || row == nil {
		return row, err
	}
	if err := l.Validator.ValidateBackwards(ctx, row.SchemaVersion, tableId, txId); err != nil {
		return nil, err
	}
	return row, nil
}

// scheduleAsyncCleanup is step 8 of §4.3's write-intent resolution
// protocol: once a reader learns the final state of a write intent's
// owning transaction, it finalizes that single row without waiting for
// the owning transaction's own cleanup pass to reach this replica.
func (l *Listener) scheduleAsyncCleanup(txId string, id rowid.RowId, commit bool, commitTs clock.Timestamp) {
	l.Store.HandleWriteIntentRead(txId, id)
	go func() {
		if commit {
			l.Store.Store().CommitWrite(id, commitTs)
		} else {
			l.Store.Store().AbortWrite(id)
		}
	}()
}

func (l *Listener) waitForSafeTime(ctx context.Context, target clock.Timestamp) error {
	for {
		if l.SafeTime.Current().Compare(target) >= 0 {
			return nil
		}
		timer := time.NewTimer(time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// TxFinishRequest is TxFinishReplicaRequest (§6).
type TxFinishRequest struct {
	TxId   string
	Commit bool
	Groups []rowid.TablePartitionId
	// EnlistedTables lists the tables the tx wrote to, for schema forward
	// compatibility validation.
	EnlistedTables []uint32
}

// TxFinish implements processTxFinishAction (§4.3 commit path). A
// schema-incompatible commit attempt is turned into an abort: the
// caller gets back the INCOMPATIBLE_SCHEMA error, but the partition
// still finalizes the transaction (as ABORTED) and drives cleanup on
// every enlisted partition exactly as a client-requested abort would.
func (l *Listener) TxFinish(ctx context.Context, req TxFinishRequest) (err error) {
	defer func() { l.recordRequest("TX_FINISH", err) }()
	commit := req.Commit
	var commitTs clock.Timestamp
	var schemaErr error
	if commit {
		commitTs = l.Clock.Now()
		if err := l.Validator.ValidateForward(ctx, req.TxId, req.EnlistedTables, commitTs); err != nil {
			schemaErr = err
			commit = false
			commitTs = clock.Zero
		}
	}

	if _, err := l.Log.AppendFinishTx(replog.FinishTxCommand{TxId: req.TxId, Commit: commit, CommitTs: commitTs}); err != nil {
		return txerrors.WrapFatalToPartition(err, "append FinishTxCommand for tx %s", req.TxId)
	}

	if commit {
		l.Registry.Commit(req.TxId, commitTs)
	} else {
		l.Registry.Abort(req.TxId)
	}

	for _, group := range req.Groups {
		go l.issueCleanupWithRetry(group, req.TxId, commit, commitTs)
	}

	return schemaErr
}

// issueCleanupWithRetry drives processTxCleanupAction on an enlisted
// partition, retrying up to 5 times with a 10s await-primary-replica
// ceiling each attempt (§4.3 step 4, §5 cancellation & timeouts).
func (l *Listener) issueCleanupWithRetry(group rowid.TablePartitionId, txId string, commit bool, commitTs clock.Timestamp) {
	const maxAttempts = 5
	const attemptTimeout = 10 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		var err error
		if group == l.Group {
			err = l.TxCleanup(ctx, TxCleanupRequest{TxId: txId, Commit: commit, CommitTs: commitTs})
		} else if l.Remote != nil {
			err = l.Remote.Cleanup(ctx, group, txId, commit, commitTs)
		} else {
			err = txerrors.ReplicaUnavailable("no remote cleanup client configured")
		}
		cancel()

		if err == nil {
			return
		}
		l.Logger.Warn().
			Str("tx_id", txId).
			Str("group", group.String()).
			Int("attempt", attempt).
			Err(err).
			Msg("tx cleanup attempt failed")
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	l.Logger.Error().
		Str("tx_id", txId).
		Str("group", group.String()).
		Msg("tx cleanup exhausted retries; transaction marked final locally, cleanup may resume on next contact")
}

// TxCleanupRequest is TxCleanupReplicaRequest (§6).
type TxCleanupRequest struct {
	TxId     string
	Commit   bool
	CommitTs clock.Timestamp
}

// TxCleanup implements processTxCleanupAction (§4.3). Cursor bookkeeping
// and read/write future splitting are omitted: this implementation's
// write path is synchronous, so by the time TxCleanup runs every write
// the transaction issued has already landed in storage.
func (l *Listener) TxCleanup(ctx context.Context, req TxCleanupRequest) (err error) {
	defer func() { l.recordRequest("TX_CLEANUP", err) }()
	if _, ok := l.Registry.Lookup(req.TxId); !ok {
		if req.Commit {
			l.Registry.Commit(req.TxId, req.CommitTs)
		} else {
			l.Registry.Abort(req.TxId)
		}
	}

	if _, err := l.Log.AppendTxCleanup(replog.TxCleanupCommand{TxId: req.TxId, Commit: req.Commit, CommitTs: req.CommitTs}); err != nil {
		return txerrors.WrapFatalToPartition(err, "append TxCleanupCommand for tx %s", req.TxId)
	}

	l.Store.HandleTransactionCleanup(req.TxId, req.Commit, req.CommitTs)
	l.Locks.ReleaseAll(req.TxId)
	l.Registry.Forget(req.TxId)
	return nil
}

// SafeTimeSync implements ReplicaSafeTimeSyncRequest (§6): a primary-only
// no-op that advances the replica's safe-time.
func (l *Listener) SafeTimeSync(ctx context.Context, safeTime clock.Timestamp) (err error) {
	defer func() { l.recordRequest("SAFE_TIME_SYNC", err) }()
	if _, err := l.Log.AppendSafeTimeSync(replog.SafeTimeSyncCommand{SafeTime: safeTime}); err != nil {
		return txerrors.WrapFatalToPartition(err, "append SafeTimeSyncCommand")
	}
	l.SafeTime.Advance(safeTime)
	if l.Metrics != nil {
		l.Metrics.SafeTimeSeconds.Set(float64(safeTime.Physical) / float64(time.Second))
	}
	return nil
}

// BuildIndex implements BuildIndexReplicaRequest (§6): forwards a
// build-index command to the replicated log. Index maintenance itself
// is out of scope (§1 Non-goals); this only records the scheduling
// decision for replay.
func (l *Listener) BuildIndex(ctx context.Context, tableId, indexId uint32) (lsn uint64, err error) {
	defer func() { l.recordRequest("BUILD_INDEX", err) }()
	return l.Log.AppendBuildIndex(replog.BuildIndexCommand{TableId: tableId, IndexId: indexId})
}
