// Package mvccstore implements the per-rowId version chain described in
// §3: at most one WRITE_INTENT per chain, always the head, with
// COMMITTED versions below it strictly ordered by commitTs descending.
//
// This is the "MVCC partition storage" component spec.md marks external
// ("exposes write-intent + committed reads, scan cursors, abort/commit/
// addWrite primitives"). The core ships one concrete implementation so
// the testable properties of §8 have something to run against; callers
// use the concrete *Store type directly.
package mvccstore

import (
	"sort"
	"sync"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/rowid"
)

// Kind discriminates a ReadResult (§3).
type Kind int

const (
	KindEmpty Kind = iota
	KindCommitted
	KindWriteIntent
)

// ReadResult is one entry of a version chain.
type ReadResult struct {
	Kind Kind
	Row  *rowid.BinaryRow

	CommitTs       clock.Timestamp // set when Kind == KindCommitted
	TxId           string          // set when Kind == KindWriteIntent
	CommitTableId  uint32          // commit-partition coordinates of the intent's owner, for resolution
	CommitPartId   uint32
	NewestCommitTs clock.Timestamp // newest committed version's ts, cached on the intent for speculative cleanup
}

// version is the store's internal linked-list node; ReadResult is the
// public projection handed back to callers.
type version struct {
	ReadResult
	next *version // older version, or nil
}

type chain struct {
	mu   sync.Mutex
	head *version // nil means no versions at all (row never written)
}

const shardCount = 256

// Store is the sharded, concurrent version-chain table for one
// partition. Writers serialize per rowId under chain.mu (the "consistent
// section" of §4.2); readers take the same lock, holding it only long
// enough to copy the entry they return.
type Store struct {
	shards [shardCount]*shardState
}

type shardState struct {
	mu     sync.Mutex
	chains map[rowid.RowId]*chain
}

// New constructs an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shardState{chains: make(map[rowid.RowId]*chain)}
	}
	return s
}

func (s *Store) shardFor(id rowid.RowId) *shardState {
	h := fnv1a(id)
	return s.shards[h%uint64(shardCount)]
}

func fnv1a(id rowid.RowId) uint64 {
	var h uint64 = 14695981039346656037
	const prime = 1099511628211
	h = (h ^ uint64(id.PartitionId)) * prime
	for _, b := range id.UUID {
		h = (h ^ uint64(b)) * prime
	}
	return h
}

func (s *Store) chainFor(id rowid.RowId) *chain {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.chains[id]
	if !ok {
		c = &chain{}
		sh.chains[id] = c
	}
	return c
}

// Read returns the chain head's ReadResult (EMPTY if the row has never
// been written, or every version has been GC'd away — the two are
// indistinguishable at this layer, matching the teacher's heap which
// also can't tell "never written" from "compacted away").
func (s *Store) Read(id rowid.RowId) ReadResult {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil {
		return ReadResult{Kind: KindEmpty}
	}
	return c.head.ReadResult
}

// ReadAsOf returns the newest COMMITTED version with commitTs <= asOf,
// skipping the write-intent head if present. This is the "read the last
// committed version below readTs" fallback used throughout §4.3's
// write-intent resolution protocol.
func (s *Store) ReadAsOf(id rowid.RowId, asOf clock.Timestamp) ReadResult {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.head
	if v != nil && v.Kind == KindWriteIntent {
		v = v.next
	}
	for v != nil {
		if v.Kind == KindCommitted && v.CommitTs.LessEq(asOf) {
			return v.ReadResult
		}
		v = v.next
	}
	return ReadResult{Kind: KindEmpty}
}

// newestCommittedLocked returns the newest COMMITTED version's ts below the
// current head, or the zero timestamp if none exists. Must be called
// with c.mu held.
func (c *chain) newestCommittedLocked() (clock.Timestamp, bool) {
	v := c.head
	if v != nil && v.Kind == KindWriteIntent {
		v = v.next
	}
	if v != nil && v.Kind == KindCommitted {
		return v.CommitTs, true
	}
	return clock.Zero, false
}

// WriteIntent installs row as a new WRITE_INTENT head owned by txId. If
// the current head is already a WRITE_INTENT owned by the same txId
// (the transaction re-writing a key it already wrote), it is replaced
// in place rather than chained, per §4.2 "the previous row is removed
// from indexes before the new one is added" — here that means the old
// intent version is dropped instead of retained underneath.
func (s *Store) WriteIntent(id rowid.RowId, txId string, row *rowid.BinaryRow, commitTableId, commitPartId uint32) {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	var below *version
	if c.head != nil && c.head.Kind == KindWriteIntent && c.head.TxId == txId {
		below = c.head.next
	} else {
		below = c.head
	}

	newest, _ := c.newestCommittedLocked()
	c.head = &version{
		ReadResult: ReadResult{
			Kind:           KindWriteIntent,
			Row:            row,
			TxId:           txId,
			CommitTableId:  commitTableId,
			CommitPartId:   commitPartId,
			NewestCommitTs: newest,
		},
		next: below,
	}
}

// WriteCommitted installs row as a new COMMITTED head at commitTs —
// the one-phase-commit path of §4.3, which never creates a write
// intent at all.
func (s *Store) WriteCommitted(id rowid.RowId, row *rowid.BinaryRow, commitTs clock.Timestamp) {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = &version{
		ReadResult: ReadResult{Kind: KindCommitted, Row: row, CommitTs: commitTs},
		next:       c.head,
	}
}

// CommitWrite converts the current WRITE_INTENT head into a COMMITTED
// version at commitTs. It is a no-op if the head is not a write intent
// (idempotent cleanup, §8).
func (s *Store) CommitWrite(id rowid.RowId, commitTs clock.Timestamp) {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil || c.head.Kind != KindWriteIntent {
		return
	}
	c.head.Kind = KindCommitted
	c.head.CommitTs = commitTs
	c.head.TxId = ""
}

// AbortWrite removes the current WRITE_INTENT head, exposing the
// previous committed version (or EMPTY). No-op if the head is not a
// write intent (idempotent cleanup, §8).
func (s *Store) AbortWrite(id rowid.RowId) {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil || c.head.Kind != KindWriteIntent {
		return
	}
	c.head = c.head.next
}

// PeekWriteIntent reports whether the chain head is a WRITE_INTENT, and
// if so by which transaction and with what cached newest-commit-ts —
// the inputs performStorageCleanupIfNeeded (§4.2) needs to decide
// whether to self-heal a stale intent before applying a new write.
func (s *Store) PeekWriteIntent(id rowid.RowId) (txId string, newestCommitTs clock.Timestamp, ok bool) {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil || c.head.Kind != KindWriteIntent {
		return "", clock.Zero, false
	}
	return c.head.TxId, c.head.NewestCommitTs, true
}

// NextCommittedTs returns the commitTs of the COMMITTED version
// immediately below the current WRITE_INTENT head, if any — the
// "next.commitTs" referenced by performStorageCleanupIfNeeded (§4.2).
func (s *Store) NextCommittedTs(id rowid.RowId) (ts clock.Timestamp, ok bool) {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head == nil || c.head.Kind != KindWriteIntent || c.head.next == nil {
		return clock.Zero, false
	}
	if c.head.next.Kind != KindCommitted {
		return clock.Zero, false
	}
	return c.head.next.CommitTs, true
}

// GCBelow removes COMMITTED versions strictly older than lowWatermark
// from id's chain, always keeping the newest version at or below the
// watermark (so no reader at readTs >= lwm loses a version it could
// legally see, per §8's GC-correctness property). Returns the number of
// versions removed.
func (s *Store) GCBelow(id rowid.RowId, lowWatermark clock.Timestamp) int {
	c := s.chainFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.head
	// Skip a live write intent; GC only ever touches committed history.
	if v != nil && v.Kind == KindWriteIntent {
		v = v.next
	}
	if v == nil {
		return 0
	}

	// Find the newest committed version at or below the watermark: it
	// must survive. Everything strictly older than it (and also <= lwm)
	// is obsolete.
	keep := v
	for keep != nil && keep.CommitTs.Greater(lowWatermark) {
		keep = keep.next
	}
	if keep == nil {
		return 0
	}
	removed := 0
	for n := keep.next; n != nil; n = n.next {
		removed++
	}
	keep.next = nil
	return removed
}

// RowIds lists every rowId currently tracked by the store (used by the
// low-watermark GC driver to walk the partition; §4.2 "Batch GC").
func (s *Store) RowIds() []rowid.RowId {
	var out []rowid.RowId
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id := range sh.chains {
			out = append(out, id)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return rowid.Less(out[i], out[j]) })
	return out
}
