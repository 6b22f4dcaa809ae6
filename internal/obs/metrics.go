package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight submission counters and dispatch latency.
type Metrics struct {
	submissions     uint64
	cacheHits       uint64
	cacheWaits      uint64
	storeHits       uint64
	dispatches      uint64
	conflicts       uint64
	rejections      uint64
	retriableFaults uint64
	validationFails uint64

	dispatchLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metric values.
type Snapshot struct {
	Submissions     uint64
	CacheHits       uint64
	CacheWaits      uint64
	StoreHits       uint64
	Dispatches      uint64
	Conflicts       uint64
	Rejections      uint64
	RetriableFaults uint64
	ValidationFails uint64
	DispatchLatency LatencySnapshot
}

// NewMetrics creates a zeroed collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSubmission() { atomic.AddUint64(&m.submissions, 1) }
func (m *Metrics) IncCacheHit() { atomic.AddUint64(&m.cacheHits, 1) }
func (m *Metrics) IncCacheWait() { atomic.AddUint64(&m.cacheWaits, 1) }
func (m *Metrics) IncStoreHit() { atomic.AddUint64(&m.storeHits, 1) }
func (m *Metrics) IncDispatch() { atomic.AddUint64(&m.dispatches, 1) }
func (m *Metrics) IncConflict() { atomic.AddUint64(&m.conflicts, 1) }
func (m *Metrics) IncRejection() { atomic.AddUint64(&m.rejections, 1) }
func (m *Metrics) IncRetriableFault() { atomic.AddUint64(&m.retriableFaults, 1) }
func (m *Metrics) IncValidationFail() { atomic.AddUint64(&m.validationFails, 1) }

// ObserveDispatch records one broker round-trip duration.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if d < 0 {
		return
	}
	ns := uint64(d)
	atomic.AddUint64(&m.dispatchLatency.count, 1)
	atomic.AddUint64(&m.dispatchLatency.sum, ns)
	for {
		max := atomic.LoadUint64(&m.dispatchLatency.max)
		if ns <= max || atomic.CompareAndSwapUint64(&m.dispatchLatency.max, max, ns) {
			break
		}
	}
}

// Snapshot returns the current values. Counters are read individually, so a
// snapshot taken under load is approximate.
func (m *Metrics) Snapshot() Snapshot {
	count := atomic.LoadUint64(&m.dispatchLatency.count)
	sum := atomic.LoadUint64(&m.dispatchLatency.sum)

	lat := LatencySnapshot{
		Count: count,
		Max:   time.Duration(atomic.LoadUint64(&m.dispatchLatency.max)),
	}
	if count > 0 {
		lat.Avg = time.Duration(sum / count)
	}

	return Snapshot{
		Submissions:     atomic.LoadUint64(&m.submissions),
		CacheHits:       atomic.LoadUint64(&m.cacheHits),
		CacheWaits:      atomic.LoadUint64(&m.cacheWaits),
		StoreHits:       atomic.LoadUint64(&m.storeHits),
		Dispatches:      atomic.LoadUint64(&m.dispatches),
		Conflicts:       atomic.LoadUint64(&m.conflicts),
		Rejections:      atomic.LoadUint64(&m.rejections),
		RetriableFaults: atomic.LoadUint64(&m.retriableFaults),
		ValidationFails: atomic.LoadUint64(&m.validationFails),
		DispatchLatency: lat,
	}
}
