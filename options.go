package ivex

import (
	"github.com/ivexdb/ivex/internal/fs"
	"github.com/ivexdb/ivex/internal/kmeans"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	fsys             fs.FileSystem
	seed             int64
	centroidPolicy   CentroidPolicy
	probePolicy      ProbePolicy
	kmeans           kmeans.Options
	compression      Compression
	snapshotRate     int
}

func defaultOptions() options {
	return options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		fsys:             fs.Default,
		seed:             42,
		centroidPolicy:   DefaultCentroidPolicy,
		probePolicy:      DefaultProbePolicy,
		kmeans:           kmeans.DefaultOptions,
		compression:      CompressionZstd,
	}
}

// Option configures database construction.
type Option func(*options)

func applyOptions(optFns ...Option) options {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// WithLogger sets the logger. Nil restores the no-op logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics sink. Nil restores the no-op
// collector.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metricsCollector = m
	}
}

// WithFileSystem sets the filesystem used for the store and index files.
// Intended for fault injection in tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys == nil {
			fsys = fs.Default
		}
		o.fsys = fsys
	}
}

// WithSeed fixes the clustering RNG seed so rebuilds over the same rows
// produce identical indexes.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithCentroidPolicy overrides how the centroid count is derived from the
// row count.
func WithCentroidPolicy(p CentroidPolicy) Option {
	return func(o *options) {
		if p == nil {
			p = DefaultCentroidPolicy
		}
		o.centroidPolicy = p
	}
}

// WithProbePolicy overrides how many centroids are probed per retrieval.
func WithProbePolicy(p ProbePolicy) Option {
	return func(o *options) {
		if p == nil {
			p = DefaultProbePolicy
		}
		o.probePolicy = p
	}
}

// WithKMeansMaxIterations bounds the clustering iterations per build.
func WithKMeansMaxIterations(n int) Option {
	return func(o *options) {
		o.kmeans.MaxIterations = n
	}
}

// WithKMeansBatchSize sets the mini-batch size used during clustering.
func WithKMeansBatchSize(n int) Option {
	return func(o *options) {
		o.kmeans.BatchSize = n
	}
}

// WithKMeansParallelism bounds the goroutines used for centroid assignment.
// Zero means GOMAXPROCS.
func WithKMeansParallelism(n int) Option {
	return func(o *options) {
		o.kmeans.Parallelism = n
	}
}

// WithSnapshotCompression selects the codec used when writing snapshots.
func WithSnapshotCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithSnapshotRateLimit throttles snapshot writes to the given byte rate.
// Zero or negative disables throttling.
func WithSnapshotRateLimit(bytesPerSecond int) Option {
	return func(o *options) {
		o.snapshotRate = bytesPerSecond
	}
}
