package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the exporter's own instruments. Validator and cluster values
// derived from snapshots go through the Publisher instead.
type Metrics struct {
	// RPC
	RPCLatency  *prometheus.HistogramVec
	RPCRequests *prometheus.CounterVec
	RPCErrors   *prometheus.CounterVec
	RPCInFlight prometheus.Gauge

	// Cycles
	CycleDuration      *prometheus.HistogramVec
	Cycles             *prometheus.CounterVec
	SkippedTicks       prometheus.Counter
	StaleCycles        prometheus.Counter
	LastSuccess        prometheus.Gauge
	SchedulerState     *prometheus.GaugeVec
	FlaggedValidators  prometheus.Gauge
	ValidatorsSkipped  *prometheus.CounterVec
	CollectionFailures *prometheus.CounterVec

	// Caches
	GeoLookups   *prometheus.CounterVec
	CacheEntries *prometheus.GaugeVec

	// Process and cache filesystem
	CPUUsage       prometheus.Gauge
	MemoryUsage    *prometheus.GaugeVec
	GoroutineCount prometheus.Gauge
	OpenFiles      prometheus.Gauge
	DiskUsage      *prometheus.GaugeVec
	CacheFileSize  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_exporter_rpc_latency_seconds",
				Help:    "RPC request latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_exporter_rpc_requests_total",
				Help: "Total number of RPC requests, retries included",
			},
			[]string{"method"},
		),
		RPCErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_exporter_rpc_errors_total",
				Help: "Total number of failed RPC requests",
			},
			[]string{"method", "error_type"},
		),
		RPCInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "solana_exporter_rpc_in_flight_requests",
				Help: "Number of in-flight RPC requests",
			},
		),

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_exporter_cycle_duration_seconds",
				Help:    "Time spent in each stage of a collection cycle",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_exporter_cycles_total",
				Help: "Completed collection cycles by outcome",
			},
			[]string{"outcome"},
		),
		SkippedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "solana_exporter_skipped_ticks_total",
				Help: "Ticks dropped because the previous cycle was still running",
			},
		),
		StaleCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "solana_exporter_stale_cycles_total",
				Help: "Cycles that failed and left the previously published values in place",
			},
		),
		LastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "solana_exporter_last_success_timestamp_seconds",
				Help: "Unix time of the last successfully published cycle",
			},
		),
		SchedulerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "solana_exporter_scheduler_state",
				Help: "Current scheduler state (1 for the active state)",
			},
			[]string{"state"},
		),
		FlaggedValidators: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "solana_exporter_flagged_validators",
				Help: "Validators whose metrics were skipped in the last cycle",
			},
		),
		ValidatorsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_exporter_validators_skipped_total",
				Help: "Validators skipped in a cycle because their cache entry could not be read or written",
			},
			[]string{"operation"},
		),
		CollectionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_exporter_collection_failures_total",
				Help: "Failed snapshot queries by method",
			},
			[]string{"method"},
		),

		GeoLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_exporter_geo_resolutions_total",
				Help: "Geolocation resolutions by outcome (hit, lookup, stale, failed)",
			},
			[]string{"outcome"},
		),
		CacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "solana_exporter_cache_entries",
				Help: "Entries in the persistent cache by namespace",
			},
			[]string{"namespace"},
		),

		CPUUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "solana_exporter_cpu_usage_percent",
				Help: "CPU usage of the exporter process",
			},
		),
		MemoryUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "solana_exporter_memory_usage_bytes",
				Help: "Memory usage of the exporter process in bytes",
			},
			[]string{"type"},
		),
		GoroutineCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "solana_exporter_goroutines",
				Help: "Number of goroutines",
			},
		),
		OpenFiles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "solana_exporter_open_files",
				Help: "Open file descriptors of the exporter process",
			},
		),
		DiskUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "solana_exporter_cache_disk_bytes",
				Help: "Usage of the filesystem holding the cache file",
			},
			[]string{"type"},
		),
		CacheFileSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "solana_exporter_cache_file_bytes",
				Help: "Size of the cache file",
			},
		),
	}

	reg.MustRegister(
		m.RPCLatency,
		m.RPCRequests,
		m.RPCErrors,
		m.RPCInFlight,
		m.CycleDuration,
		m.Cycles,
		m.SkippedTicks,
		m.StaleCycles,
		m.LastSuccess,
		m.SchedulerState,
		m.FlaggedValidators,
		m.ValidatorsSkipped,
		m.CollectionFailures,
		m.GeoLookups,
		m.CacheEntries,
		m.CPUUsage,
		m.MemoryUsage,
		m.GoroutineCount,
		m.OpenFiles,
		m.DiskUsage,
		m.CacheFileSize,
	)

	return m
}
