// Package rebalance implements the rebalance events listener of §4.4: it
// drives the five-key assignment state machine (stable/pending/planned/
// switchReduce/switchAppend) that the coordination metastore holds for
// every replication group, reacting to leader-elected, new-peers-applied
// and reconfiguration-error events.
package rebalance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bobboyms/partitiontx/pkg/metrics"
	"github.com/bobboyms/partitiontx/pkg/rowid"
)

// NodeSet is an unordered set of node identifiers, compared via the
// set-difference/union/intersection helpers below.
type NodeSet map[string]struct{}

func newSet(nodes ...string) NodeSet {
	s := make(NodeSet, len(nodes))
	for _, n := range nodes {
		s[n] = struct{}{}
	}
	return s
}

// sorted returns the set's members in deterministic order, built on
// golang.org/x/exp/maps.Keys + slices.Sort rather than a hand-rolled loop
// and sort.Strings, predating the generics-aware stdlib equivalents in
// the teacher's Go version baseline.
func (s NodeSet) sorted() []string {
	keys := maps.Keys(s)
	slices.Sort(keys)
	return keys
}

func (s NodeSet) has(node string) bool {
	_, ok := s[node]
	return ok
}

// difference returns the members of a not present in b (a \ b).
func difference(a, b NodeSet) NodeSet {
	out := make(NodeSet)
	for n := range a {
		if !b.has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

func union(a, b NodeSet) NodeSet {
	out := make(NodeSet, len(a)+len(b))
	for n := range a {
		out[n] = struct{}{}
	}
	for n := range b {
		out[n] = struct{}{}
	}
	return out
}

func intersect(a, b NodeSet) NodeSet {
	out := make(NodeSet)
	for n := range a {
		if b.has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Assignment is the five-key state one replication group's assignment
// metadata holds in the coordination metastore, plus the per-key
// revisions the compare-and-swap guard checks (§4.4 step 3).
type Assignment struct {
	Stable       NodeSet
	Pending      NodeSet // nil/empty means "no pending rebalance"
	Planned      NodeSet // nil/empty means "nothing scheduled next"
	SwitchReduce NodeSet
	SwitchAppend NodeSet

	StableRev       int64
	PendingRev      int64
	PlannedRev      int64
	SwitchReduceRev int64
	SwitchAppendRev int64
}

// MetastoreClient is the narrow external-collaborator contract (§2) this
// listener needs from the coordination metastore: read a group's current
// assignment, and attempt a compound compare-and-swap across its five
// keys. A failed CAS (stale revision on any key) returns ok=false rather
// than an error — the caller recomputes and retries.
type MetastoreClient interface {
	ReadAssignment(ctx context.Context, group rowid.TablePartitionId) (Assignment, error)
	CompareAndSwapAssignment(ctx context.Context, group rowid.TablePartitionId, expected, next Assignment) (ok bool, err error)
}

// ReconfigurationDriver issues a peers/learners change against the
// replicated consensus group — modeled as an interface since the actual
// consensus/membership-change transport is out of scope (§1 Non-goals).
type ReconfigurationDriver interface {
	IssuePeersChange(ctx context.Context, group rowid.TablePartitionId, targetPeers []string) error
}

// Branch names the four mutually-exclusive outcomes of
// doOnNewPeersConfigurationApplied (§4.4 step 4).
type Branch int

const (
	BranchNone Branch = iota
	SwitchAppendSuccess
	SwitchReduceSuccess
	SchedulePendingRebalanceSuccess
	FinishRebalanceSuccess
)

func (b Branch) String() string {
	switch b {
	case SwitchAppendSuccess:
		return "SWITCH_APPEND_SUCCESS"
	case SwitchReduceSuccess:
		return "SWITCH_REDUCE_SUCCESS"
	case SchedulePendingRebalanceSuccess:
		return "SCHEDULE_PENDING_REBALANCE_SUCCESS"
	case FinishRebalanceSuccess:
		return "FINISH_REBALANCE_SUCCESS"
	default:
		return "NONE"
	}
}

// Listener is the rebalance events listener for one node, tracking a
// retry counter per replication group across reconfiguration errors.
type Listener struct {
	Metastore    MetastoreClient
	Reconfigurer ReconfigurationDriver
	Logger       zerolog.Logger
	Metrics      *metrics.Registry

	mu      sync.Mutex
	retries map[rowid.TablePartitionId]int
}

// New constructs a Listener. metricsReg may be nil.
func New(metastore MetastoreClient, reconfigurer ReconfigurationDriver, logger zerolog.Logger, metricsReg *metrics.Registry) *Listener {
	return &Listener{
		Metastore:    metastore,
		Reconfigurer: reconfigurer,
		Logger:       logger,
		Metrics:      metricsReg,
		retries:      make(map[rowid.TablePartitionId]int),
	}
}

// OnLeaderElected implements "on leader elected: read pending for the
// group; if present, issue a peers/learners change on the replicated
// log; reset retry counter" (§4.4).
func (l *Listener) OnLeaderElected(ctx context.Context, group rowid.TablePartitionId) error {
	a, err := l.Metastore.ReadAssignment(ctx, group)
	if err != nil {
		return err
	}
	l.resetRetries(group)

	if len(a.Pending) == 0 {
		return nil
	}
	return l.Reconfigurer.IssuePeersChange(ctx, group, a.Pending.sorted())
}

// OnReconfigurationError implements the retry/backoff policy of §4.4:
// each call counts one retry for the group, waits 200ms, and re-issues
// targetPeers once, returning that attempt's error (or ctx's error if it
// is cancelled during the wait). There is no abort path: calls past the
// 10-retry threshold log a warning and retry all the same. The counter
// persists across calls until OnLeaderElected resets it.
func (l *Listener) OnReconfigurationError(ctx context.Context, group rowid.TablePartitionId, targetPeers []string) error {
	const backoffThreshold = 10
	const backoff = 200 * time.Millisecond

	attempt := l.bumpRetries(group)
	if attempt > backoffThreshold {
		l.Logger.Warn().
			Str("group", group.String()).
			Int("attempt", attempt).
			Msg("reconfiguration still failing past retry threshold; retrying without bound")
	}

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.Reconfigurer.IssuePeersChange(ctx, group, targetPeers)
}

func (l *Listener) resetRetries(group rowid.TablePartitionId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retries, group)
}

func (l *Listener) bumpRetries(group rowid.TablePartitionId) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries[group]++
	return l.retries[group]
}

// OnNewPeersConfigurationApplied implements doOnNewPeersConfigurationApplied
// (§4.4 steps 1-5): derive the next assignment state from the freshly
// applied peer set, guard the write with a compound revision-equality
// CAS, and retry (unbounded) on conflict.
func (l *Listener) OnNewPeersConfigurationApplied(ctx context.Context, group rowid.TablePartitionId, newStableNodes []string) (Branch, error) {
	newStable := newSet(newStableNodes...)

	for {
		select {
		case <-ctx.Done():
			return BranchNone, ctx.Err()
		default:
		}

		current, err := l.Metastore.ReadAssignment(ctx, group)
		if err != nil {
			return BranchNone, err
		}

		reducedNodes := difference(current.SwitchReduce, newStable)
		addedNodes := difference(newStable, current.Stable)
		calculatedSwitchReduce := difference(current.SwitchReduce, reducedNodes)
		calculatedAssignments := union(current.Stable, newStable)
		calculatedSwitchAppend := intersect(
			difference(union(current.SwitchAppend, reducedNodes), addedNodes),
			calculatedAssignments,
		)
		pendingReduction := difference(newStable, current.SwitchReduce)
		pendingAddition := intersect(union(newStable, reducedNodes), calculatedAssignments)

		next := current
		var branch Branch
		switch {
		case len(calculatedSwitchAppend) > 0:
			next.Stable = current.Stable
			next.Pending = pendingAddition
			next.SwitchReduce = current.SwitchReduce
			next.SwitchAppend = current.SwitchAppend
			branch = SwitchAppendSuccess

		case len(calculatedSwitchReduce) > 0:
			next.Stable = current.Stable
			next.Pending = pendingReduction
			next.SwitchReduce = current.SwitchReduce
			next.SwitchAppend = current.SwitchAppend
			branch = SwitchReduceSuccess

		case len(current.Planned) > 0:
			next.Stable = newStable
			next.Pending = current.Planned
			next.Planned = nil
			branch = SchedulePendingRebalanceSuccess

		default:
			next.Stable = newStable
			next.Pending = nil
			branch = FinishRebalanceSuccess
		}

		ok, err := l.Metastore.CompareAndSwapAssignment(ctx, group, current, next)
		if err != nil {
			return BranchNone, err
		}
		if ok {
			l.Logger.Info().
				Str("group", group.String()).
				Str("branch", branch.String()).
				Msg("assignment state machine transitioned")
			if l.Metrics != nil {
				l.Metrics.RebalanceTotal.WithLabelValues(branch.String()).Inc()
			}
			return branch, nil
		}

		// Conditional write lost a race against a concurrent writer;
		// recompute from the latest revision and retry, unbounded (§4.4
		// step 5).
		l.Logger.Debug().
			Str("group", group.String()).
			Msg("assignment CAS conflict, recomputing")
	}
}

// FakeMetastore is an in-memory MetastoreClient used by the rebalance
// listener's tests and by a single-node deployment that has no real
// coordination metastore to talk to.
type FakeMetastore struct {
	mu          sync.Mutex
	assignments map[rowid.TablePartitionId]Assignment
}

// NewFakeMetastore constructs an empty FakeMetastore.
func NewFakeMetastore() *FakeMetastore {
	return &FakeMetastore{assignments: make(map[rowid.TablePartitionId]Assignment)}
}

// Seed installs a's initial state for group, starting every key's
// revision at 1.
func (f *FakeMetastore) Seed(group rowid.TablePartitionId, a Assignment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.StableRev, a.PendingRev, a.PlannedRev = 1, 1, 1
	a.SwitchReduceRev, a.SwitchAppendRev = 1, 1
	f.assignments[group] = a
}

func (f *FakeMetastore) ReadAssignment(ctx context.Context, group rowid.TablePartitionId) (Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assignments[group], nil
}

// CompareAndSwapAssignment implements the compound revision-equality
// guard of §4.4 step 3: the write only applies if every one of the five
// keys' revisions still matches expected's. On success all five keys'
// revisions are bumped, whether or not their values changed.
func (f *FakeMetastore) CompareAndSwapAssignment(ctx context.Context, group rowid.TablePartitionId, expected, next Assignment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.assignments[group]
	if current.StableRev != expected.StableRev ||
		current.PendingRev != expected.PendingRev ||
		current.PlannedRev != expected.PlannedRev ||
		current.SwitchReduceRev != expected.SwitchReduceRev ||
		current.SwitchAppendRev != expected.SwitchAppendRev {
		return false, nil
	}

	next.StableRev = current.StableRev + 1
	next.PendingRev = current.PendingRev + 1
	next.PlannedRev = current.PlannedRev + 1
	next.SwitchReduceRev = current.SwitchReduceRev + 1
	next.SwitchAppendRev = current.SwitchAppendRev + 1
	f.assignments[group] = next
	return true, nil
}
