package ivex

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational metrics. Implement it to integrate
// with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordInsert is called after each insert, with the number of rows
	// attempted, the total time taken and a nil err on success.
	RecordInsert(rows int, duration time.Duration, err error)

	// RecordRetrieve is called after each retrieval. k is the number of
	// results requested.
	RecordRetrieve(k int, duration time.Duration, err error)

	// RecordBuild is called after each index build with the row count
	// covered by the build.
	RecordBuild(rows uint64, duration time.Duration, err error)

	// RecordSnapshot is called after each snapshot save or restore with the
	// compressed byte count transferred.
	RecordSnapshot(bytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordRetrieve(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordBuild(uint64, time.Duration, error)   {}
func (NoopMetricsCollector) RecordSnapshot(int64, time.Duration, error) {}

// BasicMetricsCollector keeps simple in-memory counters. Useful for
// debugging and tests without an external monitoring system.
type BasicMetricsCollector struct {
	InsertCount        atomic.Int64
	InsertRows         atomic.Int64
	InsertErrors       atomic.Int64
	InsertTotalNanos   atomic.Int64
	RetrieveCount      atomic.Int64
	RetrieveErrors     atomic.Int64
	RetrieveTotalNanos atomic.Int64
	BuildCount         atomic.Int64
	BuildErrors        atomic.Int64
	BuildTotalNanos    atomic.Int64
	SnapshotCount      atomic.Int64
	SnapshotErrors     atomic.Int64
	SnapshotBytes      atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(rows int, duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertRows.Add(int64(rows))
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordRetrieve implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRetrieve(k int, duration time.Duration, err error) {
	b.RetrieveCount.Add(1)
	b.RetrieveTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RetrieveErrors.Add(1)
	}
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(rows uint64, duration time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BuildErrors.Add(1)
	}
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(bytes int64, duration time.Duration, err error) {
	b.SnapshotCount.Add(1)
	b.SnapshotBytes.Add(bytes)
	if err != nil {
		b.SnapshotErrors.Add(1)
	}
}
