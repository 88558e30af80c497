// Package lock implements the multi-granularity lock manager of §4.1:
// row/index/table keys locked in modes {IS, IX, S, SIX, X}, deadlock
// avoidance through a global key order rather than cycle detection, and
// short-term locks releasable independently of transaction end.
//
// The manager is sharded by key hash (grounded on the teacher's
// per-table-lock sharding in pkg/storage/table.go, generalized here to
// per-key sharding via xxhash) so unrelated keys never contend on the
// same mutex.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bobboyms/partitiontx/pkg/metrics"
)

// Mode is a lock granularity/intent mode. Compatibility follows the
// standard multi-granularity matrix.
type Mode int

const (
	IS  Mode = iota // intent-shared
	IX              // intent-exclusive
	S               // shared
	SIX             // shared + intent-exclusive
	X               // exclusive
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "UNKNOWN"
	}
}

// compatible[held][requested] reports whether a lock in mode `requested`
// may be granted while a lock in mode `held` is outstanding on the same
// key, for two different transactions.
var compatible = [5][5]bool{
	//            IS     IX     S      SIX    X
	/* IS  */ {true, true, true, true, false},
	/* IX  */ {true, true, false, false, false},
	/* S   */ {true, false, true, false, false},
	/* SIX */ {true, false, false, false, false},
	/* X   */ {false, false, false, false, false},
}

// KeyKind discriminates the LockKey sum type (§3).
type KeyKind int

const (
	KindTable KeyKind = iota
	KindRow
	KindIndex
	KindIndexKey
)

// Key is the tagged union of lockable resources named in §3: whole
// tables, individual rows, whole indexes, and individual index keys.
type Key struct {
	Kind        KeyKind
	TableId     uint32
	RowUUID     [16]byte
	IndexId     uint32
	IndexTuple  string // opaque tuple bytes, comparable as a string key
}

func TableKey(tableId uint32) Key { return Key{Kind: KindTable, TableId: tableId} }

func RowKey(tableId uint32, rowUUID [16]byte) Key {
	return Key{Kind: KindRow, TableId: tableId, RowUUID: rowUUID}
}

func IndexKey(indexId uint32) Key { return Key{Kind: KindIndex, IndexId: indexId} }

func IndexTupleKey(indexId uint32, tuple []byte) Key {
	return Key{Kind: KindIndexKey, IndexId: indexId, IndexTuple: string(tuple)}
}

func (k Key) hashBytes() []byte {
	switch k.Kind {
	case KindTable:
		return []byte(fmt.Sprintf("t:%d", k.TableId))
	case KindRow:
		return []byte(fmt.Sprintf("r:%d:%x", k.TableId, k.RowUUID))
	case KindIndex:
		return []byte(fmt.Sprintf("i:%d", k.IndexId))
	case KindIndexKey:
		return []byte(fmt.Sprintf("k:%d:%s", k.IndexId, k.IndexTuple))
	default:
		return []byte("?")
	}
}

// Lock is a granted or pending lock entry (§3).
type Lock struct {
	TxId string
	Key  Key
	Mode Mode

	// shortTerm marks a lock acquired for index-insert purposes that is
	// released right after the owning command is durably appended,
	// rather than at transaction end (§4.1, §8 "short-term locks
	// released on append").
	shortTerm bool
}

type waiter struct {
	txId string
	mode Mode
	key  Key
	done chan struct{}
	err  error
	lk   *Lock // set by pump() to the exact Lock placed in st.granted
}

type keyState struct {
	mu      sync.Mutex
	granted []*Lock
	queue   []*waiter
}

const shardCount = 256

// Manager is the lock manager. It is safe for concurrent use by many
// goroutines, one per in-flight request.
type Manager struct {
	shards [shardCount]*shard
	// byTx indexes the locks each transaction holds, for release(tx) and
	// locks(tx) enumeration (§4.1 `locks(txId)`). A transaction can hold
	// more than one mode on the same key at once (escalation, e.g. S then
	// X on the same row), so each key maps to every Lock granted on it,
	// not just the most recent one.
	txMu sync.Mutex
	byTx map[string]map[Key][]*Lock

	// Metrics, if set, records how long Acquire spent blocked before a
	// lock was granted or denied, by mode. Left nil in tests that don't
	// export Prometheus metrics.
	Metrics *metrics.Registry
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// NewManager constructs an empty lock manager.
func NewManager() *Manager {
	m := &Manager{byTx: make(map[string]map[Key][]*Lock)}
	for i := range m.shards {
		m.shards[i] = &shard{keys: make(map[string]*keyState)}
	}
	return m
}

func (m *Manager) shardFor(k Key) *shard {
	h := xxhash.Sum64(k.hashBytes())
	return m.shards[h%uint64(shardCount)]
}

func (s *shard) stateFor(k Key) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	hk := string(k.hashBytes())
	st, ok := s.keys[hk]
	if !ok {
		st = &keyState{}
		s.keys[hk] = st
	}
	return st
}

// gcIfEmpty drops a keyState from the shard map once it has no
// granted locks and no waiters, so long-lived partitions don't
// accumulate one keyState per row ever touched.
func (s *shard) gcIfEmpty(k Key, st *keyState) {
	st.mu.Lock()
	empty := len(st.granted) == 0 && len(st.queue) == 0
	st.mu.Unlock()
	if !empty {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hk := string(k.hashBytes())
	if cur, ok := s.keys[hk]; ok && cur == st {
		delete(s.keys, hk)
	}
}

func canGrant(granted []*Lock, txId string, mode Mode) bool {
	for _, g := range granted {
		if g.TxId == txId {
			// A transaction never conflicts with its own earlier locks;
			// mode escalation (e.g. S -> X) is handled by the caller
			// re-requesting the stronger mode.
			continue
		}
		if !compatible[g.Mode][mode] {
			return false
		}
	}
	return true
}

// Acquire blocks until a lock on key in the given mode is compatible
// with every lock currently granted to other transactions, honoring
// FIFO order: a request only waits behind requests that arrived earlier
// and are themselves incompatible. Cancelling ctx (tx abort, shutdown)
// drops the waiter without granting it.
func (m *Manager) Acquire(ctx context.Context, txId string, key Key, mode Mode) (*Lock, error) {
	start := time.Now()
	sh := m.shardFor(key)
	st := sh.stateFor(key)

	st.mu.Lock()
	grantable := canGrant(st.granted, txId, mode)
	for _, q := range st.queue {
		if q.txId != txId && !compatible[q.mode][mode] {
			grantable = false
			break
		}
	}
	if grantable {
		lk := &Lock{TxId: txId, Key: key, Mode: mode}
		st.granted = append(st.granted, lk)
		st.mu.Unlock()
		m.track(lk)
		m.observeWait(mode, start)
		return lk, nil
	}

	w := &waiter{txId: txId, mode: mode, key: key, done: make(chan struct{})}
	st.queue = append(st.queue, w)
	st.mu.Unlock()

	select {
	case <-w.done:
		m.observeWait(mode, start)
		if w.err != nil {
			return nil, w.err
		}
		m.track(w.lk)
		return w.lk, nil
	case <-ctx.Done():
		m.cancelWaiter(st, w)
		m.observeWait(mode, start)
		return nil, ctx.Err()
	}
}

func (m *Manager) observeWait(mode Mode, start time.Time) {
	if m.Metrics == nil {
		return
	}
	m.Metrics.LockWaitSeconds.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
}

func (m *Manager) cancelWaiter(st *keyState, w *waiter) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, q := range st.queue {
		if q == w {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
}

// pump grants the longest compatible prefix of the FIFO wait queue. It
// must be called with st.mu held and stops at the first waiter whose
// mode is incompatible with what is already granted, preserving FIFO
// fairness (a later-arriving S request never jumps an earlier X
// request).
func pump(st *keyState) {
	for len(st.queue) > 0 {
		w := st.queue[0]
		if !canGrant(st.granted, w.txId, w.mode) {
			break
		}
		w.lk = &Lock{TxId: w.txId, Key: w.key, Mode: w.mode}
		st.granted = append(st.granted, w.lk)
		st.queue = st.queue[1:]
		close(w.done)
	}
}

// Release drops one lock a transaction holds on key in the given mode
// and wakes any waiters now satisfiable.
func (m *Manager) Release(txId string, key Key, mode Mode) {
	sh := m.shardFor(key)
	st := sh.stateFor(key)

	st.mu.Lock()
	for i, g := range st.granted {
		if g.TxId == txId && g.Mode == mode {
			st.granted = append(st.granted[:i], st.granted[i+1:]...)
			break
		}
	}
	pump(st)
	st.mu.Unlock()

	m.untrack(txId, key, mode)
	sh.gcIfEmpty(key, st)
}

// ReleaseAll drops every lock held by txId, across all keys — used on
// transaction commit/abort (§3 "always released on commit/abort") and
// on primary-replica expiration (§5).
func (m *Manager) ReleaseAll(txId string) {
	m.txMu.Lock()
	held := m.byTx[txId]
	delete(m.byTx, txId)
	m.txMu.Unlock()

	for key, locks := range held {
		sh := m.shardFor(key)
		st := sh.stateFor(key)
		st.mu.Lock()
		for _, lk := range locks {
			for i, g := range st.granted {
				if g == lk {
					st.granted = append(st.granted[:i], st.granted[i+1:]...)
					break
				}
			}
		}
		pump(st)
		st.mu.Unlock()
		sh.gcIfEmpty(key, st)
	}
}

// Locks enumerates the locks currently held by txId, for cleanup
// (§4.1 `locks(txId)`).
func (m *Manager) Locks(txId string) []*Lock {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	set := m.byTx[txId]
	out := make([]*Lock, 0, len(set))
	for _, locks := range set {
		out = append(out, locks...)
	}
	return out
}

func (m *Manager) track(lk *Lock) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	set, ok := m.byTx[lk.TxId]
	if !ok {
		set = make(map[Key][]*Lock)
		m.byTx[lk.TxId] = set
	}
	set[lk.Key] = append(set[lk.Key], lk)
}

func (m *Manager) untrack(txId string, key Key, mode Mode) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	set, ok := m.byTx[txId]
	if !ok {
		return
	}
	locks := set[key]
	for i, lk := range locks {
		if lk.Mode == mode {
			set[key] = append(locks[:i], locks[i+1:]...)
			break
		}
	}
	if len(set[key]) == 0 {
		delete(set, key)
	}
	if len(set) == 0 {
		delete(m.byTx, txId)
	}
}

// AcquireShortTerm acquires an index-insert lock that the caller must
// release explicitly via ReleaseShortTerm once the owning command has
// been durably appended to the replicated log — not at transaction end
// (§4.1, §8 seed scenario "short-term locks released after append").
func (m *Manager) AcquireShortTerm(ctx context.Context, txId string, key Key, mode Mode) (*Lock, error) {
	lk, err := m.Acquire(ctx, txId, key, mode)
	if err != nil {
		return nil, err
	}
	lk.shortTerm = true
	return lk, nil
}

// ReleaseShortTerm releases a lock acquired via AcquireShortTerm. It is
// a no-op error-wise if the lock was not marked short-term, but callers
// should only call it on handles returned from AcquireShortTerm.
func (m *Manager) ReleaseShortTerm(lk *Lock) {
	if lk == nil {
		return
	}
	m.Release(lk.TxId, lk.Key, lk.Mode)
}
