// Package catalog defines the narrow external-collaborator interface
// the core needs from the catalog/schema sync service (§2): waiting for
// metadata completeness at a timestamp and returning the active catalog
// version, plus an in-memory fake the schema validator and tests can
// run against. Schema DDL semantics themselves are out of scope (§1
// Non-goals).
package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/schema"
)

// SyncService is the external collaborator contract: wait until catalog
// metadata is known to be complete as of ts (i.e. every schema change
// committed at or before ts has been observed locally), then report the
// version active at that instant.
type SyncService interface {
	AwaitMetadata(ctx context.Context, ts clock.Timestamp) (version uint32, err error)
}

// change is one versioned schema transition recorded by the fake.
type change struct {
	tableId            uint32
	at                 clock.Timestamp
	fromVersion        uint32
	toVersion          uint32
	backwardCompatible bool
	forwardCompatible  bool
}

// Fake is an in-memory SyncService + schema.CatalogHistory, letting
// tests drive the schema compatibility validator without a real catalog
// DDL subsystem (which is explicitly out of scope, §1).
type Fake struct {
	mu          sync.RWMutex
	version     uint32
	changes     []change
	txBeginVers map[string]uint32
}

// NewFake constructs a Fake pinned at catalog version 1 with no
// recorded changes.
func NewFake() *Fake {
	return &Fake{version: 1, txBeginVers: make(map[string]uint32)}
}

// AwaitMetadata returns the version currently known to the fake; there
// is nothing to wait for since the fake has no replication lag.
func (f *Fake) AwaitMetadata(ctx context.Context, ts clock.Timestamp) (uint32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version, nil
}

// RecordChange advances the catalog to a new version, recording
// whether the transition is backward/forward compatible for
// ValidateBackwards/ValidateForward to consult later.
func (f *Fake) RecordChange(tableId uint32, at clock.Timestamp, backwardCompatible, forwardCompatible bool) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	from := f.version
	f.version++
	f.changes = append(f.changes, change{
		tableId: tableId, at: at, fromVersion: from, toVersion: f.version,
		backwardCompatible: backwardCompatible, forwardCompatible: forwardCompatible,
	})
	return f.version
}

// SetTxBeginVersion pins the catalog version a given transaction began
// under, for BeginVersion to report back.
func (f *Fake) SetTxBeginVersion(txId string, version uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txBeginVers[txId] = version
}

// VersionAt implements schema.CatalogHistory: the fake has no per-ts
// history granularity finer than "current version", since real version
// history resolution belongs to the (out-of-scope) catalog DDL
// subsystem.
func (f *Fake) VersionAt(ctx context.Context, ts clock.Timestamp) (uint32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version, nil
}

func (f *Fake) BeginVersion(ctx context.Context, txId string) (uint32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.txBeginVers[txId]; ok {
		return v, nil
	}
	return f.version, nil
}

func (f *Fake) ChangesBetween(ctx context.Context, tableId uint32, fromVersion, toVersion uint32) ([]schema.Change, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []schema.Change
	for _, c := range f.changes {
		if c.tableId != tableId {
			continue
		}
		if c.fromVersion >= fromVersion && c.toVersion <= toVersion {
			out = append(out, schema.Change{
				TableId: c.tableId, FromVersion: c.fromVersion, ToVersion: c.toVersion,
				BackwardCompatible: c.backwardCompatible, ForwardCompatible: c.forwardCompatible,
			})
		}
	}
	return out, nil
}

func (f *Fake) LastChangeAfter(ctx context.Context, tableId uint32, ts clock.Timestamp) (clock.Timestamp, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var changes []change
	for _, c := range f.changes {
		if c.tableId == tableId && c.at.Greater(ts) {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return clock.Zero, false, nil
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].at.Greater(changes[j].at) })
	return changes[0].at, true, nil
}
