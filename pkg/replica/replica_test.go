package replica

import (
	"context"
	"math"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobboyms/partitiontx/pkg/catalog"
	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/lock"
	"github.com/bobboyms/partitiontx/pkg/mvccstore"
	"github.com/bobboyms/partitiontx/pkg/placement"
	"github.com/bobboyms/partitiontx/pkg/replog"
	"github.com/bobboyms/partitiontx/pkg/rowid"
	"github.com/bobboyms/partitiontx/pkg/schema"
	"github.com/bobboyms/partitiontx/pkg/storageupdate"
	"github.com/bobboyms/partitiontx/pkg/txn"
	"github.com/bobboyms/partitiontx/pkg/wal"
	"github.com/bobboyms/partitiontx/pkg/watermark"
)

const testTableId uint32 = 1

func newTestListener(t *testing.T) *Listener {
	t.Helper()

	group := rowid.TablePartitionId{TableId: testTableId, PartitionId: 1}

	logPath := filepath.Join(t.TempDir(), "replica.log")
	opts := wal.DefaultOptions()
	opts.SyncPolicy = wal.SyncEveryWrite
	log, err := replog.Open(logPath, opts)
	if err != nil {
		t.Fatalf("replog.Open failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	placementClient := placement.NewClient()
	placementClient.SetPrimaryReplica(group, placement.PrimaryReplicaMeta{
		Group:                      group,
		ConsistentId:               "node-1",
		EnlistmentConsistencyToken: 1,
		LeaseExpireTime:            clock.Timestamp{Physical: math.MaxInt64},
	})

	registry := txn.NewRegistry()
	resolver := txn.NewResolver(registry, nil, 64)
	validator := schema.New(catalog.NewFake())
	handler := storageupdate.New(mvccstore.New(), registry, zerolog.Nop())

	return New(
		group,
		lock.NewManager(),
		handler,
		registry,
		resolver,
		validator,
		clock.New(),
		log,
		placementClient,
		watermark.NewTracker(),
		nil,
		zerolog.Nop(),
		nil,
	)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not satisfied within %s", timeout)
	}
}

func newRowId(t *testing.T, partitionId uint32) rowid.RowId {
	t.Helper()
	id, err := rowid.New(partitionId)
	if err != nil {
		t.Fatalf("rowid.New failed: %v", err)
	}
	return id
}

func TestRWInsert1PCVisibleImmediatelyAndReleasesLocks(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()
	id := newRowId(t, 1)
	row := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("hello")}

	req := RWRequest{TxId: "tx-1pc", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
	if err := l.RWInsert(ctx, req, testTableId, id, row); err != nil {
		t.Fatalf("RWInsert failed: %v", err)
	}

	got, err := l.DirectROGet(ctx, 1, id)
	if err != nil {
		t.Fatalf("DirectROGet failed: %v", err)
	}
	if got == nil || !got.Equal(row) {
		t.Fatalf("expected row to be visible after 1PC insert, got %+v", got)
	}

	if held := l.Locks.Locks("tx-1pc"); len(held) != 0 {
		t.Errorf("expected no locks held after 1PC commit, got %d", len(held))
	}
}

func TestRWInsertThenAbortLeavesNoTrace(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()
	id := newRowId(t, 1)
	row := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("to-be-aborted")}

	req := RWRequest{TxId: "tx-abort", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1}
	if err := l.RWInsert(ctx, req, testTableId, id, row); err != nil {
		t.Fatalf("RWInsert failed: %v", err)
	}

	if err := l.TxFinish(ctx, TxFinishRequest{TxId: "tx-abort", Commit: false, Groups: []rowid.TablePartitionId{l.Group}}); err != nil {
		t.Fatalf("TxFinish failed: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		res := l.Store.Store().Read(id)
		return res.Kind == mvccstore.KindEmpty
	})

	got, err := l.DirectROGet(ctx, 1, id)
	if err != nil {
		t.Fatalf("DirectROGet failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected no row after abort, got %+v", got)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return len(l.Locks.Locks("tx-abort")) == 0
	})
}

func TestRWInsertThenCommitIsVisibleAfterCleanup(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()
	id := newRowId(t, 1)
	row := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("committed-row")}

	req := RWRequest{TxId: "tx-commit", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1}
	if err := l.RWInsert(ctx, req, testTableId, id, row); err != nil {
		t.Fatalf("RWInsert failed: %v", err)
	}

	if err := l.TxFinish(ctx, TxFinishRequest{TxId: "tx-commit", Commit: true, Groups: []rowid.TablePartitionId{l.Group}}); err != nil {
		t.Fatalf("TxFinish failed: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		res := l.Store.Store().Read(id)
		return res.Kind == mvccstore.KindCommitted
	})

	got, err := l.DirectROGet(ctx, 1, id)
	if err != nil {
		t.Fatalf("DirectROGet failed: %v", err)
	}
	if got == nil || !got.Equal(row) {
		t.Fatalf("expected committed row to be visible, got %+v", got)
	}
}

func TestReadYourWritesUnderPendingTransaction(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()
	id := newRowId(t, 1)
	row := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("own-write")}

	req := RWRequest{TxId: "tx-self", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1}
	if err := l.RWInsert(ctx, req, testTableId, id, row); err != nil {
		t.Fatalf("RWInsert failed: %v", err)
	}

	// Same transaction reads its own still-pending write intent directly,
	// without consulting the resolver (which has no remote configured and
	// would error if it were reached).
	got, err := l.RWGet(ctx, req, testTableId, id)
	if err != nil {
		t.Fatalf("RWGet failed: %v", err)
	}
	if got == nil || !got.Equal(row) {
		t.Fatalf("expected read-your-writes to see the pending intent, got %+v", got)
	}
}

func TestRWReplaceCompareAndSet(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()
	id := newRowId(t, 1)
	original := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("v1")}
	updated := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("v2")}
	wrong := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("not-v1")}

	seedReq := RWRequest{TxId: "tx-seed", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
	if err := l.RWInsert(ctx, seedReq, testTableId, id, original); err != nil {
		t.Fatalf("seed RWInsert failed: %v", err)
	}

	failReq := RWRequest{TxId: "tx-cas-fail", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
	replaced, err := l.RWReplace(ctx, failReq, testTableId, id, wrong, updated)
	if err != nil {
		t.Fatalf("RWReplace (mismatched old) failed: %v", err)
	}
	if replaced {
		t.Fatalf("expected RWReplace to refuse a mismatched oldRow")
	}

	okReq := RWRequest{TxId: "tx-cas-ok", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
	replaced, err = l.RWReplace(ctx, okReq, testTableId, id, original, updated)
	if err != nil {
		t.Fatalf("RWReplace (matched old) failed: %v", err)
	}
	if !replaced {
		t.Fatalf("expected RWReplace to succeed when oldRow matches")
	}

	got, err := l.DirectROGet(ctx, 1, id)
	if err != nil {
		t.Fatalf("DirectROGet failed: %v", err)
	}
	if got == nil || !got.Equal(updated) {
		t.Fatalf("expected row to hold the replaced value, got %+v", got)
	}
}

func TestRWUpdateAllAppliesEveryRowInOrder(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()

	ids := make([]rowid.RowId, 3)
	rows := make(map[rowid.RowId]*rowid.BinaryRow, 3)
	for i := range ids {
		ids[i] = newRowId(t, 1)
		rows[ids[i]] = &rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte{byte('a' + i)}}
	}

	req := RWRequest{TxId: "tx-batch", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
	if err := l.RWUpdateAll(ctx, req, testTableId, rows); err != nil {
		t.Fatalf("RWUpdateAll failed: %v", err)
	}

	for _, id := range ids {
		got, err := l.DirectROGet(ctx, 1, id)
		if err != nil {
			t.Fatalf("DirectROGet failed: %v", err)
		}
		if got == nil || !got.Equal(*rows[id]) {
			t.Errorf("row %s: expected %+v, got %+v", id, rows[id], got)
		}
	}

	if held := l.Locks.Locks("tx-batch"); len(held) != 0 {
		t.Errorf("expected no locks held after 1PC batch commit, got %d", len(held))
	}
}

func TestRWGetReleasesShortTermRowLockButKeepsTableLock(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()
	id := newRowId(t, 1)
	row := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("present")}

	seedReq := RWRequest{TxId: "tx-seed-2", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
	if err := l.RWInsert(ctx, seedReq, testTableId, id, row); err != nil {
		t.Fatalf("seed RWInsert failed: %v", err)
	}

	readReq := RWRequest{TxId: "tx-reader", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1}
	if _, err := l.RWGet(ctx, readReq, testTableId, id); err != nil {
		t.Fatalf("RWGet failed: %v", err)
	}

	held := l.Locks.Locks("tx-reader")
	if len(held) != 1 {
		t.Fatalf("expected exactly the table IS lock to remain held, got %d locks", len(held))
	}
	if held[0].Mode != lock.IS || held[0].Key.Kind != lock.KindTable {
		t.Errorf("expected a table IS lock, got key kind %v mode %v", held[0].Key.Kind, held[0].Mode)
	}
}

func TestDirectROGetFailsWhenNotPrimary(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()
	id := newRowId(t, 1)

	if _, err := l.DirectROGet(ctx, 999 /* wrong token */, id); err == nil {
		t.Fatalf("expected DirectROGet to fail with a stale enlistment token")
	}
}

func TestDirectROGetAllReturnsEveryRowAligned(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()

	ids := make([]rowid.RowId, 3)
	rows := make(map[rowid.RowId]*rowid.BinaryRow, 3)
	for i := range ids {
		ids[i] = newRowId(t, 1)
		rows[ids[i]] = &rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte{byte('x' + i)}}
	}
	req := RWRequest{TxId: "tx-batch-direct", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
	if err := l.RWUpdateAll(ctx, req, testTableId, rows); err != nil {
		t.Fatalf("RWUpdateAll failed: %v", err)
	}

	// A never-written id slots in as a nil, aligned with the others.
	missing := newRowId(t, 1)
	got, err := l.DirectROGetAll(ctx, 1, append(append([]rowid.RowId{}, ids...), missing))
	if err != nil {
		t.Fatalf("DirectROGetAll failed: %v", err)
	}
	if len(got) != len(ids)+1 {
		t.Fatalf("expected %d results, got %d", len(ids)+1, len(got))
	}
	for i, id := range ids {
		if got[i] == nil || !got[i].Equal(*rows[id]) {
			t.Errorf("row %s: expected %+v, got %+v", id, rows[id], got[i])
		}
	}
	if got[len(ids)] != nil {
		t.Errorf("expected the never-written row to resolve to nil, got %+v", got[len(ids)])
	}
}

func TestRWScanWalksEveryRowInOrderAcrossPages(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()

	const n = 5
	ids := make([]rowid.RowId, n)
	for i := range ids {
		ids[i] = newRowId(t, 1)
		row := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte{byte('a' + i)}}
		req := RWRequest{TxId: "tx-seed-scan", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
		if err := l.RWInsert(ctx, req, testTableId, ids[i], row); err != nil {
			t.Fatalf("seed RWInsert %d failed: %v", i, err)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return rowid.Less(ids[i], ids[j]) })

	req := RWRequest{TxId: "tx-scanner", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1}
	var walked []rowid.RowId
	var after rowid.RowId
	for {
		page, err := l.RWScan(ctx, req, testTableId, after, 2)
		if err != nil {
			t.Fatalf("RWScan failed: %v", err)
		}
		for _, r := range page.Rows {
			walked = append(walked, r.Id)
		}
		after = page.Cursor
		if page.Done {
			break
		}
	}

	if len(walked) != n {
		t.Fatalf("expected to walk %d rows, got %d", n, len(walked))
	}
	for i, id := range ids {
		if walked[i] != id {
			t.Errorf("position %d: expected %s, got %s", i, id, walked[i])
		}
	}
}

func TestROScanResolvesWriteIntentsLikeROGetAll(t *testing.T) {
	l := newTestListener(t)
	ctx := context.Background()
	id := newRowId(t, 1)
	row := rowid.BinaryRow{SchemaVersion: 1, TupleBytes: []byte("ro-scan-row")}

	seedReq := RWRequest{TxId: "tx-seed-ro-scan", Term: 1, CommitTableId: testTableId, CommitPartitionId: 1, Full: true}
	if err := l.RWInsert(ctx, seedReq, testTableId, id, row); err != nil {
		t.Fatalf("seed RWInsert failed: %v", err)
	}

	page, err := l.ROScan(ctx, l.Clock.Now(), false, rowid.RowId{}, 0)
	if err != nil {
		t.Fatalf("ROScan failed: %v", err)
	}
	if !page.Done {
		t.Fatalf("expected a single page covering the whole range")
	}
	found := false
	for _, r := range page.Rows {
		if r.Id == id {
			found = true
			if !r.Row.Equal(row) {
				t.Errorf("expected scanned row %+v, got %+v", row, r.Row)
			}
		}
	}
	if !found {
		t.Fatalf("expected ROScan to surface the seeded row %s", id)
	}
}
