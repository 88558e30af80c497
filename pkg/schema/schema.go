// Package schema implements the schema compatibility validator of §4.5:
// it checks that a transaction's view of a table's schema is
// forward/backward compatible with the schema(s) the table has gone
// through between the relevant timestamps, consulting an external
// catalog/schema sync service for the actual version history.
package schema

import (
	"context"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/txerrors"
)

// Change describes one schema change applied to a table between two
// catalog versions.
type Change struct {
	TableId             uint32
	FromVersion         uint32
	ToVersion           uint32
	BackwardCompatible  bool // added nullable columns, widened types, etc.
	ForwardCompatible   bool // the inverse direction, required at commit time
}

// CatalogHistory is the narrow view into the catalog/schema sync
// service (§2 "external collaborator") this validator needs: the
// changes a table went through in a version range, and the catalog
// version active at a given timestamp.
type CatalogHistory interface {
	VersionAt(ctx context.Context, ts clock.Timestamp) (uint32, error)
	BeginVersion(ctx context.Context, txId string) (uint32, error)
	ChangesBetween(ctx context.Context, tableId uint32, fromVersion, toVersion uint32) ([]Change, error)
	// LastChangeAfter returns the timestamp of the most recent schema
	// change to tableId observed strictly after ts, if any — used by
	// failIfSchemaChangedAfterTxStart.
	LastChangeAfter(ctx context.Context, tableId uint32, ts clock.Timestamp) (clock.Timestamp, bool, error)
}

// Validator is the schema compatibility validator.
type Validator struct {
	catalog CatalogHistory
}

// New constructs a Validator backed by catalog.
func New(catalog CatalogHistory) *Validator {
	return &Validator{catalog: catalog}
}

// ValidateBackwards resolves txId's begin-ts to a catalog version, then
// requires every intermediate schema change between rowSchemaVersion
// and that version to be backward-compatible. Used on the read path: a
// reader running an older schema view must still be able to interpret
// a row written under a newer one.
func (v *Validator) ValidateBackwards(ctx context.Context, rowSchemaVersion uint32, tableId uint32, txId string) error {
	txVersion, err := v.catalog.BeginVersion(ctx, txId)
	if err != nil {
		return err
	}
	if txVersion == rowSchemaVersion {
		return nil
	}
	from, to := rowSchemaVersion, txVersion
	if from > to {
		from, to = to, from
	}
	changes, err := v.catalog.ChangesBetween(ctx, tableId, from, to)
	if err != nil {
		return err
	}
	for _, c := range changes {
		if !c.BackwardCompatible {
			return txerrors.IncompatibleSchema(tableId, rowSchemaVersion, txVersion)
		}
	}
	return nil
}

// ValidateForward requires that, for every table in enlistedTables, all
// schema changes between the transaction's begin version and the
// catalog version active at commitTs are forward-compatible for the
// rows the transaction wrote. A failure here aborts the commit (§4.3
// processTxFinishAction step 2).
func (v *Validator) ValidateForward(ctx context.Context, txId string, enlistedTables []uint32, commitTs clock.Timestamp) error {
	txVersion, err := v.catalog.BeginVersion(ctx, txId)
	if err != nil {
		return err
	}
	commitVersion, err := v.catalog.VersionAt(ctx, commitTs)
	if err != nil {
		return err
	}
	if commitVersion == txVersion {
		return nil
	}
	for _, tableId := range enlistedTables {
		changes, err := v.catalog.ChangesBetween(ctx, tableId, txVersion, commitVersion)
		if err != nil {
			return err
		}
		for _, c := range changes {
			if !c.ForwardCompatible {
				return txerrors.IncompatibleSchema(tableId, txVersion, commitVersion)
			}
		}
	}
	return nil
}

// FailIfSchemaChangedAfterTxStart asserts no schema change to tableId
// has been observed between txId's begin-ts and operationTs.
func (v *Validator) FailIfSchemaChangedAfterTxStart(ctx context.Context, txId string, operationTs clock.Timestamp, tableId uint32) error {
	txVersion, err := v.catalog.BeginVersion(ctx, txId)
	if err != nil {
		return err
	}
	changedAt, changed, err := v.catalog.LastChangeAfter(ctx, tableId, clock.Zero)
	if err != nil {
		return err
	}
	if changed && changedAt.Greater(operationTs) {
		return txerrors.IncompatibleSchema(tableId, txVersion, txVersion)
	}
	return nil
}
