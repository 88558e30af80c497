package placement

import (
	"context"
	"testing"
	"time"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/rowid"
)

func testGroup() rowid.TablePartitionId {
	return rowid.TablePartitionId{TableId: 1, PartitionId: 1}
}

func TestCurrentPrimaryReplicaReportsUnknownGroup(t *testing.T) {
	c := NewClient()
	if _, ok := c.CurrentPrimaryReplica(context.Background(), testGroup()); ok {
		t.Fatal("expected no primary replica meta for an unregistered group")
	}
}

func TestSetAndGetPrimaryReplica(t *testing.T) {
	c := NewClient()
	meta := PrimaryReplicaMeta{Group: testGroup(), ConsistentId: "node-1", EnlistmentConsistencyToken: 5}
	c.SetPrimaryReplica(testGroup(), meta)

	got, ok := c.CurrentPrimaryReplica(context.Background(), testGroup())
	if !ok || got != meta {
		t.Fatalf("expected %+v, got %+v ok=%v", meta, got, ok)
	}
}

func TestEnsurePrimarySucceedsWithMatchingTokenAndLiveLease(t *testing.T) {
	c := NewClient()
	c.SetPrimaryReplica(testGroup(), PrimaryReplicaMeta{
		Group: testGroup(), ConsistentId: "node-1", EnlistmentConsistencyToken: 5,
		LeaseExpireTime: clock.Timestamp{Physical: 1000},
	})

	_, ok := c.EnsurePrimary(testGroup(), 5, clock.Timestamp{Physical: 500})
	if !ok {
		t.Fatal("expected EnsurePrimary to succeed with a matching token and a lease that has not expired")
	}
}

func TestEnsurePrimaryFailsOnTokenMismatch(t *testing.T) {
	c := NewClient()
	c.SetPrimaryReplica(testGroup(), PrimaryReplicaMeta{
		Group: testGroup(), EnlistmentConsistencyToken: 5,
		LeaseExpireTime: clock.Timestamp{Physical: 1000},
	})

	if _, ok := c.EnsurePrimary(testGroup(), 999, clock.Timestamp{Physical: 500}); ok {
		t.Fatal("expected EnsurePrimary to fail on a mismatched enlistment consistency token")
	}
}

func TestEnsurePrimaryFailsOnExpiredLease(t *testing.T) {
	c := NewClient()
	c.SetPrimaryReplica(testGroup(), PrimaryReplicaMeta{
		Group: testGroup(), EnlistmentConsistencyToken: 5,
		LeaseExpireTime: clock.Timestamp{Physical: 100},
	})

	if _, ok := c.EnsurePrimary(testGroup(), 5, clock.Timestamp{Physical: 500}); ok {
		t.Fatal("expected EnsurePrimary to fail once the lease has expired")
	}
}

func TestEnsurePrimaryFailsForUnknownGroup(t *testing.T) {
	c := NewClient()
	if _, ok := c.EnsurePrimary(testGroup(), 1, clock.Zero); ok {
		t.Fatal("expected EnsurePrimary to fail for a group with no registered lease")
	}
}

func TestExpirePrimaryReplicaNotifiesSubscribers(t *testing.T) {
	c := NewClient()
	meta := PrimaryReplicaMeta{Group: testGroup(), ConsistentId: "node-1", EnlistmentConsistencyToken: 5}
	c.SetPrimaryReplica(testGroup(), meta)

	ch := c.Subscribe()
	c.ExpirePrimaryReplica(testGroup())

	select {
	case ev := <-ch:
		if ev.Group != testGroup() || ev.Meta != meta {
			t.Fatalf("unexpected expiration event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an expiration event to be delivered to the subscriber")
	}

	if _, ok := c.CurrentPrimaryReplica(context.Background(), testGroup()); ok {
		t.Fatal("expected the primary replica meta to be gone after expiration")
	}
}

func TestExpirePrimaryReplicaIsNoOpForAnUnknownGroup(t *testing.T) {
	c := NewClient()
	ch := c.Subscribe()
	c.ExpirePrimaryReplica(testGroup())

	select {
	case ev := <-ch:
		t.Fatalf("did not expect an expiration event for a never-registered group, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
