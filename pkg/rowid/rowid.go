// Package rowid defines the row and table-partition identifiers shared
// by every component in the partition replica transaction layer, plus
// the opaque row payload the core shuffles around without interpreting.
package rowid

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// RowId identifies a single row within a partition. The partition a row
// lives in never changes, so natural UUID ordering within one partition
// gives a deterministic, global lock-acquisition order (§4.1).
type RowId struct {
	PartitionId uint32
	UUID        uuid.UUID
}

// New returns a fresh RowId for the given partition, using UUIDv7 so
// natural ordering tracks creation order (mirrors the teacher's
// GenerateKey, which also picks NewV7 for the same reason).
func New(partitionId uint32) (RowId, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RowId{}, fmt.Errorf("rowid: generate uuid: %w", err)
	}
	return RowId{PartitionId: partitionId, UUID: id}, nil
}

// Compare orders RowIds first by partition, then by natural UUID byte
// order. Two RowIds in different partitions never need to be ordered
// against each other for locking purposes, but Compare stays total so
// RowId can be used as a map/slice sort key uniformly.
func (r RowId) Compare(other RowId) int {
	if r.PartitionId != other.PartitionId {
		if r.PartitionId < other.PartitionId {
			return -1
		}
		return 1
	}
	return bytes.Compare(r.UUID[:], other.UUID[:])
}

func (r RowId) String() string {
	return fmt.Sprintf("%d/%s", r.PartitionId, r.UUID)
}

// Less reports whether r sorts before other; convenient for sort.Slice.
func Less(a, b RowId) bool { return a.Compare(b) < 0 }

// TablePartitionId names a partition within a table — the unit a
// replica group owns and the granularity the commit-partition and
// enlisted-partitions lists in §6 operate over.
type TablePartitionId struct {
	TableId     uint32
	PartitionId uint32
}

func (t TablePartitionId) String() string {
	return fmt.Sprintf("%d_%d", t.TableId, t.PartitionId)
}

// BinaryRow is the opaque row payload handed to the core. The core never
// interprets tupleBytes: it compares rows for equality (used by
// RW_REPLACE's compare-and-set) and otherwise treats them as a blob that
// some upstream rowcodec produced.
type BinaryRow struct {
	SchemaVersion uint32
	TupleBytes    []byte
}

// Equal reports whether two rows carry identical tuple bytes,
// regardless of schema version — CAS operations compare values, not the
// schema they were written under.
func (b BinaryRow) Equal(other BinaryRow) bool {
	return bytes.Equal(b.TupleBytes, other.TupleBytes)
}

// IsTombstone reports whether row represents "no row": a delete is
// expressed as a nil *BinaryRow.
func IsTombstone(row *BinaryRow) bool { return row == nil }
