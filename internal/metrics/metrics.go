// Package metrics exposes Prometheus instrumentation for the commit
// pipeline and the live interface.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registry *Registry
	once     sync.Once
)

// Registry holds all Prometheus metrics.
type Registry struct {
	// Commit pipeline
	CommitsTotal    *prometheus.CounterVec
	ApplyFailures   prometheus.Counter
	RevertsTotal    *prometheus.CounterVec
	ConfirmsTotal   prometheus.Counter
	CommitDuration  prometheus.Histogram
	VerifyingActive prometheus.Gauge

	// Compilation
	CompileDuration prometheus.Histogram
	CompiledPeers   prometheus.Gauge

	// API
	APIRequests *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wgsteward_commits_total",
		Help: "Commits attempted, by change scope and outcome",
	}, []string{"scope", "outcome"})

	r.ApplyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wgsteward_apply_failures_total",
		Help: "System apply steps that exited nonzero",
	})

	r.RevertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wgsteward_reverts_total",
		Help: "Safety-mode reverts, by trigger",
	}, []string{"reason"})

	r.ConfirmsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wgsteward_confirms_total",
		Help: "Safety-mode commits confirmed before the deadline",
	})

	r.CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wgsteward_commit_duration_seconds",
		Help:    "Wall time of the apply phase of a commit",
		Buckets: prometheus.DefBuckets,
	})

	r.VerifyingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wgsteward_verifying_active",
		Help: "1 while a safety-mode commit awaits confirmation",
	})

	r.CompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wgsteward_compile_duration_seconds",
		Help:    "Time to compile a snapshot into artifacts",
		Buckets: prometheus.DefBuckets,
	})

	r.CompiledPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wgsteward_compiled_peers",
		Help: "Peer count in the most recently compiled artifact",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wgsteward_api_requests_total",
		Help: "API requests, by route and status code",
	}, []string{"route", "code"})

	return r
}
