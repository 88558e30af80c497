// Package watermark maintains the global low-watermark — the
// timestamp below which no active reader exists, per the GLOSSARY —
// and drives paced batch garbage collection of obsolete MVCC versions
// below it (§4.2 "Batch GC", §2 "Low-watermark & GC").
package watermark

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"

	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/metrics"
	"github.com/bobboyms/partitiontx/pkg/mvccstore"
)

// Tracker holds the current low-watermark. In a full deployment it is
// driven by the minimum read timestamp across every open transaction
// cluster-wide; here it exposes a narrow Advance/Current pair so a
// transaction registry (or a test) can push it forward directly.
type Tracker struct {
	mu  sync.RWMutex
	lwm clock.Timestamp
}

// NewTracker creates a Tracker pinned at the zero timestamp — nothing is
// collectible until the first Advance.
func NewTracker() *Tracker { return &Tracker{} }

// Advance moves the low-watermark forward. It is a no-op if ts does not
// exceed the current value: the watermark is monotonic.
func (t *Tracker) Advance(ts clock.Timestamp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts.Greater(t.lwm) {
		t.lwm = ts
	}
}

// Current returns the low-watermark.
func (t *Tracker) Current() clock.Timestamp {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lwm
}

// GCDriver periodically sweeps a partition's version store for
// obsolete committed versions below the low-watermark, in batches of at
// most BatchSize rows per run (the `onUpdateBatchSize` of §4.2), paced
// by a token bucket so one sweep never monopolizes the partition's
// consistent-section lock (§5's ordering guarantees depend on writers
// never being starved by a long-running GC pass).
type GCDriver struct {
	store     *mvccstore.Store
	tracker   *Tracker
	BatchSize int

	bucket tokenbucket.TokenBucket
	cursor int // index into the sorted rowId list, for round-robin sweeps

	mu sync.Mutex

	RemovedTotal int // cumulative versions removed, surfaced to metrics

	// Metrics, if set, receives a per-run sample of GC activity. Left nil
	// in tests and in any deployment that doesn't export Prometheus
	// metrics.
	Metrics *metrics.Registry
}

// NewGCDriver constructs a driver that removes at most batchSize rows'
// obsolete versions per Run call, rate-limited to ratePerSecond row
// sweeps per second (tokenbucket.TokensPerSecond) with a burst of
// batchSize.
func NewGCDriver(store *mvccstore.Store, tracker *Tracker, batchSize int, ratePerSecond float64) *GCDriver {
	d := &GCDriver{store: store, tracker: tracker, BatchSize: batchSize}
	d.bucket.Init(tokenbucket.TokensPerSecond(ratePerSecond), tokenbucket.Tokens(batchSize))
	return d
}

// Run executes one GC sweep: up to BatchSize rowIds, each paced through
// the token bucket, each GC'd below the current low-watermark. It
// returns the number of versions actually removed this run.
func (d *GCDriver) Run(ctx context.Context) (int, error) {
	lwm := d.tracker.Current()
	if lwm.IsZero() {
		return 0, nil // nothing is safe to collect yet
	}

	ids := d.store.RowIds()
	if len(ids) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	start := d.cursor % len(ids)
	d.mu.Unlock()

	removed := 0
	for i := 0; i < d.BatchSize && i < len(ids); i++ {
		if err := d.throttle(ctx); err != nil {
			return removed, err
		}
		id := ids[(start+i)%len(ids)]
		removed += d.store.GCBelow(id, lwm)
	}

	d.mu.Lock()
	d.cursor = (start + d.BatchSize) % len(ids)
	d.RemovedTotal += removed
	d.mu.Unlock()

	if d.Metrics != nil {
		d.Metrics.GCRunsTotal.Inc()
		d.Metrics.GCVersionsTotal.Add(float64(removed))
	}

	return removed, nil
}

func (d *GCDriver) throttle(ctx context.Context) error {
	for {
		ok, tryAgainAfter := d.bucket.TryToFulfill(1)
		if ok {
			return nil
		}
		timer := time.NewTimer(tryAgainAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// RunForever loops Run on interval until ctx is cancelled — the
// background sweep a partition replica starts alongside request
// handling.
func (d *GCDriver) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = d.Run(ctx)
		}
	}
}
