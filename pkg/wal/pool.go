package wal

import "sync"

// entryPool reuses WALEntry values across replay and append so catch-up
// on a large segment doesn't allocate one Payload slice per row.
var entryPool = sync.Pool{
	New: func() interface{} {
		return &WALEntry{
			Payload: make([]byte, 0, 4096),
		}
	},
}

// AcquireEntry gets a WALEntry from the pool.
func AcquireEntry() *WALEntry {
	return entryPool.Get().(*WALEntry)
}

// ReleaseEntry returns e to the pool. Callers must not use e again
// afterward.
func ReleaseEntry(e *WALEntry) {
	e.Header = WALHeader{}
	e.Payload = e.Payload[:0]
	entryPool.Put(e)
}
