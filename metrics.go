package bhcore

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a
// Runtime: batch construction and dispatch on the GPU path, and
// message/scatter traffic on the cluster path.
type Metrics struct {
	// Batch/kernel lifecycle counters
	InstructionsScheduled atomic.Uint64 // Total instructions offered to the scheduler
	BatchesDispatched     atomic.Uint64 // Total batches run()
	KernelsCompiled       atomic.Uint64 // BuildCache misses (fresh compiles)
	KernelsCached         atomic.Uint64 // BuildCache hits

	// Synchronisation counters
	SyncOps    atomic.Uint64 // SYNC readbacks
	DiscardOps atomic.Uint64 // DISCARD handled

	// Cluster counters
	MessagesSent    atomic.Uint64 // INIT/SHUTDOWN/UFUNC/EXEC broadcasts
	ScatterOps      atomic.Uint64 // Scatter collectives issued
	BytesScattered  atomic.Uint64 // Total bytes moved by Scatter

	// Error counters, by recoverable vs. fatal (§7 propagation policy)
	RecoveredErrors atomic.Uint64 // RW_CONFLICT/WRITE_CONFLICT/SHAPE_MISMATCH, flush-and-retried
	FatalErrors     atomic.Uint64 // OUT_OF_MEMORY/NO_GPU_PLATFORM/COLLECTIVE_FAILED/UNKNOWN_MESSAGE

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative dispatch/readback latency in nanoseconds
	OpCount        atomic.Uint64 // Total timed operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Runtime lifecycle
	StartTime atomic.Int64 // Runtime start timestamp (UnixNano)
	StopTime  atomic.Int64 // Runtime stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordBatchDispatch records one batch run(), with its launch-to-completion latency.
func (m *Metrics) RecordBatchDispatch(latencyNs uint64) {
	m.BatchesDispatched.Add(1)
	m.recordLatency(latencyNs)
}

// RecordKernelBuild records a kernel compile, split by whether the
// BuildCache already held it.
func (m *Metrics) RecordKernelBuild(cacheHit bool) {
	if cacheHit {
		m.KernelsCached.Add(1)
	} else {
		m.KernelsCompiled.Add(1)
	}
}

// RecordSync records a SYNC readback's latency.
func (m *Metrics) RecordSync(latencyNs uint64) {
	m.SyncOps.Add(1)
	m.recordLatency(latencyNs)
}

// RecordDiscard records a DISCARD.
func (m *Metrics) RecordDiscard() {
	m.DiscardOps.Add(1)
}

// RecordMessage records one cluster dispatch broadcast.
func (m *Metrics) RecordMessage() {
	m.MessagesSent.Add(1)
}

// RecordScatter records one Scatter collective moving n bytes.
func (m *Metrics) RecordScatter(bytes uint64) {
	m.ScatterOps.Add(1)
	m.BytesScattered.Add(bytes)
}

// RecordError records an error by its propagation class (§7).
func (m *Metrics) RecordError(code ErrorCode) {
	if code.Fatal() {
		m.FatalErrors.Add(1)
	} else if code.Recoverable() {
		m.RecoveredErrors.Add(1)
	}
}

// recordLatency records an operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the runtime as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	InstructionsScheduled uint64
	BatchesDispatched     uint64
	KernelsCompiled       uint64
	KernelsCached         uint64

	SyncOps    uint64
	DiscardOps uint64

	MessagesSent   uint64
	ScatterOps     uint64
	BytesScattered uint64

	RecoveredErrors uint64
	FatalErrors     uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	BatchesPerSecond float64
	ScatterBandwidth float64 // Bytes per second
	ErrorRate        float64 // Percentage of errored operations among timed ops
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		InstructionsScheduled: m.InstructionsScheduled.Load(),
		BatchesDispatched:     m.BatchesDispatched.Load(),
		KernelsCompiled:       m.KernelsCompiled.Load(),
		KernelsCached:         m.KernelsCached.Load(),
		SyncOps:               m.SyncOps.Load(),
		DiscardOps:            m.DiscardOps.Load(),
		MessagesSent:          m.MessagesSent.Load(),
		ScatterOps:            m.ScatterOps.Load(),
		BytesScattered:        m.BytesScattered.Load(),
		RecoveredErrors:       m.RecoveredErrors.Load(),
		FatalErrors:           m.FatalErrors.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.BatchesPerSecond = float64(snap.BatchesDispatched) / uptimeSeconds
		snap.ScatterBandwidth = float64(snap.BytesScattered) / uptimeSeconds
	}

	totalErrors := snap.RecoveredErrors + snap.FatalErrors
	if opCount > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(opCount) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.InstructionsScheduled.Store(0)
	m.BatchesDispatched.Store(0)
	m.KernelsCompiled.Store(0)
	m.KernelsCached.Store(0)
	m.SyncOps.Store(0)
	m.DiscardOps.Store(0)
	m.MessagesSent.Store(0)
	m.ScatterOps.Store(0)
	m.BytesScattered.Store(0)
	m.RecoveredErrors.Store(0)
	m.FatalErrors.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection; Runtime calls it from
// the same single thread the scheduling model runs on (§5), so
// implementations need no internal locking of their own beyond what
// Metrics already provides.
type Observer interface {
	ObserveBatchDispatch(latencyNs uint64)
	ObserveKernelBuild(cacheHit bool)
	ObserveSync(latencyNs uint64)
	ObserveDiscard()
	ObserveMessage()
	ObserveScatter(bytes uint64)
	ObserveError(code ErrorCode)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveBatchDispatch(uint64) {}
func (NoOpObserver) ObserveKernelBuild(bool)     {}
func (NoOpObserver) ObserveSync(uint64)          {}
func (NoOpObserver) ObserveDiscard()             {}
func (NoOpObserver) ObserveMessage()             {}
func (NoOpObserver) ObserveScatter(uint64)       {}
func (NoOpObserver) ObserveError(ErrorCode)      {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveBatchDispatch(latencyNs uint64) { o.metrics.RecordBatchDispatch(latencyNs) }
func (o *MetricsObserver) ObserveKernelBuild(cacheHit bool)      { o.metrics.RecordKernelBuild(cacheHit) }
func (o *MetricsObserver) ObserveSync(latencyNs uint64)          { o.metrics.RecordSync(latencyNs) }
func (o *MetricsObserver) ObserveDiscard()                       { o.metrics.RecordDiscard() }
func (o *MetricsObserver) ObserveMessage()                       { o.metrics.RecordMessage() }
func (o *MetricsObserver) ObserveScatter(bytes uint64)           { o.metrics.RecordScatter(bytes) }
func (o *MetricsObserver) ObserveError(code ErrorCode)           { o.metrics.RecordError(code) }

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
