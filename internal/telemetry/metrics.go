package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across both surfaces.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "syncstorage",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var TokensIssuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "tokenserver",
		Name:      "tokens_issued_total",
		Help:      "Total number of tokens successfully issued.",
	},
)

var TokensRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "tokenserver",
		Name:      "tokens_rejected_total",
		Help:      "Total number of token requests rejected, by reason.",
	},
	[]string{"reason"},
)

var NodeAllocationAttemptsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "tokenserver",
		Name:      "node_allocation_attempts_total",
		Help:      "Total number of node allocation attempts.",
	},
)

var NodeAllocationExhaustedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "tokenserver",
		Name:      "node_allocation_exhausted_total",
		Help:      "Total number of node allocation attempts that exhausted all retries.",
	},
)

var HawkAuthFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "hawk",
		Name:      "auth_failures_total",
		Help:      "Total number of Hawk authentication failures, by reason.",
	},
	[]string{"reason"},
)

var BSOReadsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "storage",
		Name:      "bso_reads_total",
		Help:      "Total number of BSO read operations.",
	},
)

var BSOWritesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "storage",
		Name:      "bso_writes_total",
		Help:      "Total number of BSO write operations.",
	},
)

var BatchCommitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "storage",
		Name:      "batch_commits_total",
		Help:      "Total number of successful batch commits.",
	},
)

var QuotaExceededTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "syncstorage",
		Subsystem: "storage",
		Name:      "quota_exceeded_total",
		Help:      "Total number of writes rejected for exceeding quota.",
	},
)

// All returns the syncstorage-specific metrics for registration, beyond the
// process/Go collectors and HTTPRequestDuration that every mode registers.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TokensIssuedTotal,
		TokensRejectedTotal,
		NodeAllocationAttemptsTotal,
		NodeAllocationExhaustedTotal,
		HawkAuthFailuresTotal,
		BSOReadsTotal,
		BSOWritesTotal,
		BatchCommitsTotal,
		QuotaExceededTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// mode-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
