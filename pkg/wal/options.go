package wal

import "time"

// SyncPolicy selects how aggressively WriteEntry persists to disk.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every entry. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota

	// SyncInterval fsyncs on a background ticker. The durability
	// window is bounded by SyncIntervalDuration rather than by
	// request rate.
	SyncInterval

	// SyncBatch fsyncs once buffered bytes since the last sync reach
	// SyncBatchBytes. Highest throughput, largest durability window.
	SyncBatch
)

// Options configures a WALWriter. The segment path itself is passed
// separately to NewWALWriter/NewWALReader — replog.Open derives one
// path per replication group from config.Config.DataDir, so Options
// carries only the durability tunables config.GCConfig-adjacent
// callers need to vary.
type Options struct {
	// BufferSize is the bufio buffer size in front of the segment file.
	BufferSize int

	SyncPolicy SyncPolicy

	// SyncIntervalDuration is the ticker period for SyncInterval.
	SyncIntervalDuration time.Duration

	// SyncBatchBytes is the accumulated-bytes threshold for SyncBatch.
	SyncBatchBytes int64
}

// DefaultOptions returns the tunables replog.Open uses when a node
// config does not override them.
func DefaultOptions() Options {
	return Options{
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
