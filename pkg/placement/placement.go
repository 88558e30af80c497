// Package placement implements the placement driver client of §2/§4.3:
// resolving the current primary replica and its enlistment consistency
// token, and delivering primary-replica-expiration events so a replica
// can release transaction locks that no longer have a lease backing
// them (§5).
package placement

import (
	"context"
	"sync"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/rowid"
)

// PrimaryReplicaMeta is what the placement driver reports for a
// replication group: who the current leaseholder is, the token a
// client must present on every enlisted request, and when the lease
// expires.
type PrimaryReplicaMeta struct {
	Group                    rowid.TablePartitionId
	ConsistentId             string
	EnlistmentConsistencyToken int64 // GLOSSARY: equal to the lease start timestamp
	LeaseExpireTime          clock.Timestamp
}

// ExpirationEvent is delivered when a primary replica's lease expires,
// so the local replica (if it was the expiring leaseholder) can release
// transaction locks once their queued writes drain (§5).
type ExpirationEvent struct {
	Group rowid.TablePartitionId
	Meta  PrimaryReplicaMeta
}

// Client is the placement driver client. A real deployment backs this
// with watches against the coordination metastore; this implementation
// keeps an in-memory table a test or a rebalance listener can update
// directly, and fans expiration events out to subscribers.
type Client struct {
	mu    sync.RWMutex
	metas map[rowid.TablePartitionId]PrimaryReplicaMeta

	subMu sync.Mutex
	subs  []chan ExpirationEvent
}

// NewClient constructs an empty placement driver client.
func NewClient() *Client {
	return &Client{metas: make(map[rowid.TablePartitionId]PrimaryReplicaMeta)}
}

// CurrentPrimaryReplica resolves the current primary-replica meta for a
// replication group (§6 TxStateCommitPartitionRequest's "current primary
// leaseholder" branch, and §4.3 ensureReplicaIsPrimary).
func (c *Client) CurrentPrimaryReplica(ctx context.Context, group rowid.TablePartitionId) (PrimaryReplicaMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metas[group]
	return m, ok
}

// SetPrimaryReplica installs (or updates) the primary-replica meta for
// a group — called by the rebalance/lease-management path whenever a
// new lease is granted.
func (c *Client) SetPrimaryReplica(group rowid.TablePartitionId, meta PrimaryReplicaMeta) {
	c.mu.Lock()
	c.metas[group] = meta
	c.mu.Unlock()
}

// ExpirePrimaryReplica drops a group's lease and notifies subscribers,
// modeling the lease-expiration event of §5.
func (c *Client) ExpirePrimaryReplica(group rowid.TablePartitionId) {
	c.mu.Lock()
	meta, ok := c.metas[group]
	if ok {
		delete(c.metas, group)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ExpirationEvent{Group: group, Meta: meta}:
		default:
			// Slow subscriber: drop rather than block the expiration
			// path, matching the "best-effort notification" posture of
			// an event stream with no delivery guarantee.
		}
	}
}

// Subscribe returns a channel that receives every future
// ExpirationEvent. The channel is buffered; callers that fall behind
// miss events rather than stall the publisher.
func (c *Client) Subscribe() <-chan ExpirationEvent {
	ch := make(chan ExpirationEvent, 32)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

// EnsurePrimary implements ensureReplicaIsPrimary (§4.3): fails with
// ok=false if the supplied token does not match the current lease, or
// the lease has already expired at now.
func (c *Client) EnsurePrimary(group rowid.TablePartitionId, token int64, now clock.Timestamp) (meta PrimaryReplicaMeta, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, found := c.metas[group]
	if !found {
		return PrimaryReplicaMeta{}, false
	}
	if m.EnlistmentConsistencyToken != token {
		return m, false
	}
	if m.LeaseExpireTime.LessEq(now) {
		return m, false
	}
	return m, true
}
