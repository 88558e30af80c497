package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/rowid"
)

func TestBeginIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Begin("tx-1", "coord-a")
	r.Begin("tx-1", "coord-b")

	m, ok := r.Lookup("tx-1")
	if !ok {
		t.Fatal("expected tx-1 to be registered")
	}
	if m.CoordinatorId != "coord-a" {
		t.Fatalf("expected the first Begin's coordinator to stick, got %q", m.CoordinatorId)
	}
	if m.State != Pending {
		t.Fatalf("expected state Pending, got %v", m.State)
	}
}

func TestCommitRecordsStateAndCommitTs(t *testing.T) {
	r := NewRegistry()
	r.Begin("tx-1", "coord-a")

	ts := clock.Timestamp{Physical: 42}
	r.Commit("tx-1", ts)

	m, ok := r.Lookup("tx-1")
	if !ok || m.State != Committed || m.CommitTs != ts {
		t.Fatalf("expected tx-1 committed at %+v, got %+v ok=%v", ts, m, ok)
	}
}

func TestAbortAndMarkAbandoned(t *testing.T) {
	r := NewRegistry()
	r.Begin("tx-1", "coord-a")
	r.Abort("tx-1")

	m, _ := r.Lookup("tx-1")
	if m.State != Aborted {
		t.Fatalf("expected Aborted, got %v", m.State)
	}

	r.Begin("tx-2", "coord-a")
	r.MarkAbandoned("tx-2")
	m, _ = r.Lookup("tx-2")
	if m.State != Abandoned {
		t.Fatalf("expected Abandoned, got %v", m.State)
	}
}

func TestForgetDropsMetaAndPendingRows(t *testing.T) {
	r := NewRegistry()
	r.Begin("tx-1", "coord-a")
	id, _ := rowid.New(1)
	r.TrackPendingRow("tx-1", id)

	r.Forget("tx-1")

	if _, ok := r.Lookup("tx-1"); ok {
		t.Fatal("expected tx-1's metadata to be gone after Forget")
	}
	if rows := r.PendingRows("tx-1"); len(rows) != 0 {
		t.Fatalf("expected no pending rows after Forget, got %d", len(rows))
	}
}

func TestPendingRowsTracksEveryWrittenRow(t *testing.T) {
	r := NewRegistry()
	id1, _ := rowid.New(1)
	id2, _ := rowid.New(1)
	r.TrackPendingRow("tx-1", id1)
	r.TrackPendingRow("tx-1", id2)

	rows := r.PendingRows("tx-1")
	if len(rows) != 2 {
		t.Fatalf("expected 2 pending rows, got %d", len(rows))
	}
}

type fakeRemote struct {
	meta Meta
	err  error
	hits int
}

func (f *fakeRemote) LookupTxState(ctx context.Context, commitPartition CommitPartitionRef, txId string) (Meta, error) {
	f.hits++
	return f.meta, f.err
}

func TestResolvePrefersLocalRegistryOverRemote(t *testing.T) {
	local := NewRegistry()
	local.Begin("tx-1", "coord-a")
	local.Commit("tx-1", clock.Timestamp{Physical: 1})

	remote := &fakeRemote{}
	r := NewResolver(local, remote, 16)

	m, err := r.Resolve(context.Background(), CommitPartitionRef{TableId: 1, PartitionId: 1}, "tx-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.State != Committed {
		t.Fatalf("expected Committed from the local registry, got %v", m.State)
	}
	if remote.hits != 0 {
		t.Fatalf("expected the remote lookup to never be consulted when local has the answer, got %d calls", remote.hits)
	}
}

func TestResolveFallsBackToRemoteWhenNotLocal(t *testing.T) {
	local := NewRegistry()
	remote := &fakeRemote{meta: Meta{State: Aborted}}
	r := NewResolver(local, remote, 16)

	m, err := r.Resolve(context.Background(), CommitPartitionRef{TableId: 1, PartitionId: 1}, "tx-remote")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.State != Aborted {
		t.Fatalf("expected Aborted from the remote lookup, got %v", m.State)
	}
	if remote.hits != 1 {
		t.Fatalf("expected exactly one remote lookup, got %d", remote.hits)
	}
}

func TestResolveWithoutRemoteConfiguredReturnsRetryableError(t *testing.T) {
	local := NewRegistry()
	r := NewResolver(local, nil, 16)

	if _, err := r.Resolve(context.Background(), CommitPartitionRef{TableId: 1, PartitionId: 1}, "tx-unknown"); err == nil {
		t.Fatal("expected an error when no remote lookup is configured and the tx is unknown locally")
	}
}

func TestResolveCachesTerminalStatesButNotPending(t *testing.T) {
	local := NewRegistry()
	remote := &fakeRemote{meta: Meta{State: Committed, CommitTs: clock.Timestamp{Physical: 9}}}
	r := NewResolver(local, remote, 16)
	ref := CommitPartitionRef{TableId: 1, PartitionId: 1}

	if _, err := r.Resolve(context.Background(), ref, "tx-cached"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := r.Resolve(context.Background(), ref, "tx-cached"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if remote.hits != 1 {
		t.Fatalf("expected the second Resolve to hit the cache instead of the remote, got %d remote calls", remote.hits)
	}

	remote.meta = Meta{State: Pending}
	if _, err := r.Resolve(context.Background(), ref, "tx-pending"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := r.Resolve(context.Background(), ref, "tx-pending"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if remote.hits != 3 {
		t.Fatalf("expected a PENDING result to never be cached, got %d remote calls", remote.hits)
	}
}

func TestResolvePropagatesRemoteError(t *testing.T) {
	local := NewRegistry()
	remote := &fakeRemote{err: errors.New("boom")}
	r := NewResolver(local, remote, 16)

	if _, err := r.Resolve(context.Background(), CommitPartitionRef{TableId: 1, PartitionId: 1}, "tx-err"); err == nil {
		t.Fatal("expected Resolve to propagate the remote lookup's error")
	}
}
