// Package txn tracks transaction metadata and resolves transaction
// state for the write-intent resolution protocol of §4.3. The registry
// modeled here is the authority a commit partition holds for every
// transaction it finalizes (GLOSSARY "Commit partition"); the resolver
// is what a replica calls when it needs to know what another node's
// commit partition decided.
package txn

import (
	"context"
	"sync"

	"github.com/cockroachdb/fifo"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/rowid"
	"github.com/bobboyms/partitiontx/pkg/txerrors"
)

// State is a transaction's lifecycle state (§3).
type State int

const (
	Pending State = iota
	Committed
	Aborted
	Abandoned
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case Abandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// Meta is a transaction's state record (§3). Invariant: Committed
// implies CommitTs is set.
type Meta struct {
	State         State
	CoordinatorId string
	CommitTs      clock.Timestamp
}

// Registry is the authoritative, per-commit-partition table of
// transaction metadata: created at the first enlisting write, finalized
// on commit/abort, retained until cleanup completes everywhere the
// transaction enlisted (§3 "Lifecycle").
type Registry struct {
	mu   sync.RWMutex
	meta map[string]*Meta

	// pendingRows is the volatile per-tx rowId set a replica uses to
	// clean up write intents on commit/abort (§3 "PendingRows"). It is
	// intentionally allowed to be empty after a restart — the design
	// tolerates the loss (§9) because read-time speculative cleanup is
	// self-healing.
	pendingMu   sync.Mutex
	pendingRows map[string]map[rowid.RowId]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		meta:        make(map[string]*Meta),
		pendingRows: make(map[string]map[rowid.RowId]struct{}),
	}
}

// Begin records that txId has started enlisting writes under
// coordinatorId, if it hasn't already. Idempotent.
func (r *Registry) Begin(txId, coordinatorId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meta[txId]; !ok {
		r.meta[txId] = &Meta{State: Pending, CoordinatorId: coordinatorId}
	}
}

// Commit finalizes txId as COMMITTED at commitTs. Idempotent: committing
// an already-committed tx at the same commitTs is a no-op; committing
// at a different commitTs is a programming error the caller should never
// trigger (the commit-partition's decision is made exactly once).
func (r *Registry) Commit(txId string, commitTs clock.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meta[txId]
	if !ok {
		m = &Meta{}
		r.meta[txId] = m
	}
	m.State = Committed
	m.CommitTs = commitTs
}

// Abort finalizes txId as ABORTED. Idempotent.
func (r *Registry) Abort(txId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meta[txId]
	if !ok {
		m = &Meta{}
		r.meta[txId] = m
	}
	m.State = Aborted
}

// MarkAbandoned finalizes txId as ABANDONED — its coordinator is gone
// and no commit decision will ever arrive (§3 "either may appear as
// ABANDONED if coordinator is lost").
func (r *Registry) MarkAbandoned(txId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meta[txId]
	if !ok {
		m = &Meta{}
		r.meta[txId] = m
	}
	m.State = Abandoned
}

// Lookup returns txId's metadata, if known.
func (r *Registry) Lookup(txId string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meta[txId]
	if !ok {
		return Meta{}, false
	}
	return *m, true
}

// Forget drops txId's metadata once cleanup has completed on every
// enlisted partition (§3 "retained until cleanup completes").
func (r *Registry) Forget(txId string) {
	r.mu.Lock()
	delete(r.meta, txId)
	r.mu.Unlock()
	r.pendingMu.Lock()
	delete(r.pendingRows, txId)
	r.pendingMu.Unlock()
}

// TrackPendingRow records that txId wrote rowId, for later cleanup.
func (r *Registry) TrackPendingRow(txId string, id rowid.RowId) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	set, ok := r.pendingRows[txId]
	if !ok {
		set = make(map[rowid.RowId]struct{})
		r.pendingRows[txId] = set
	}
	set[id] = struct{}{}
}

// PendingRows returns the rowIds tracked for txId. The returned set may
// be empty even for a transaction that did write rows, if the replica
// restarted in between (§3 "Volatile: may be empty after restart").
func (r *Registry) PendingRows(txId string) []rowid.RowId {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	set := r.pendingRows[txId]
	out := make([]rowid.RowId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// CommitPartitionRef names the partition authoritative for a
// transaction's finalization state (GLOSSARY "Commit partition").
type CommitPartitionRef struct {
	TableId     uint32
	PartitionId uint32
}

// RemoteLookup is how a resolver reaches another node's commit
// partition to ask for transaction state — modeled narrowly so replica
// code depends on an interface, not a concrete RPC client (§6 wire
// request TxStateCommitPartitionRequest).
type RemoteLookup interface {
	LookupTxState(ctx context.Context, commitPartition CommitPartitionRef, txId string) (Meta, error)
}

// Resolver implements the transaction state resolver of §4.3/§2: given
// (commit-partition, txId) it returns a Meta, caching results
// in a bounded FIFO so repeatedly-read write intents don't re-resolve
// remotely on every reader (§11 domain-stack wiring of
// github.com/cockroachdb/fifo).
type Resolver struct {
	local  *Registry // used when this node hosts the commit partition
	remote RemoteLookup

	cacheMu sync.Mutex
	cache   *fifo.Cache[string, Meta]
}

// NewResolver constructs a Resolver that checks the local registry
// first (the common case: most transactions commit on a partition this
// node already replicates) before falling back to remote, with a
// capacity-bounded result cache.
func NewResolver(local *Registry, remote RemoteLookup, cacheCapacity int) *Resolver {
	return &Resolver{
		local:  local,
		remote: remote,
		cache:  fifo.NewCache[string, Meta](fifo.CacheOptions{Capacity: cacheCapacity}),
	}
}

// Resolve returns txId's metadata as known to commitPartition. A
// PENDING result is never cached (it can change at any moment); only
// terminal states (COMMITTED/ABORTED/ABANDONED) are cached, since those
// never change once reached (§3 state machine).
func (r *Resolver) Resolve(ctx context.Context, commitPartition CommitPartitionRef, txId string) (Meta, error) {
	r.cacheMu.Lock()
	if m, ok := r.cache.Get(txId); ok {
		r.cacheMu.Unlock()
		return m, nil
	}
	r.cacheMu.Unlock()

	if m, ok := r.local.Lookup(txId); ok {
		return r.maybeCache(txId, m), nil
	}

	if r.remote == nil {
		return Meta{}, txerrors.ReplicaUnavailable("no remote transaction-state lookup configured")
	}
	m, err := r.remote.LookupTxState(ctx, commitPartition, txId)
	if err != nil {
		return Meta{}, err
	}
	return r.maybeCache(txId, m), nil
}

func (r *Resolver) maybeCache(txId string, m Meta) Meta {
	if m.State == Pending {
		return m
	}
	r.cacheMu.Lock()
	r.cache.Add(txId, m)
	r.cacheMu.Unlock()
	return m
}
