// Package metrics exposes the wallet's Prometheus collectors.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	submissions       *prometheus.CounterVec
	commitDuration    *prometheus.HistogramVec
	remoteRetries     *prometheus.CounterVec
	sweepOperations   *prometheus.CounterVec
	pendingOperations prometheus.Gauge
}

// New registers the wallet collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_submissions_total",
				Help: "Total number of submissions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		commitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_commit_duration_seconds",
				Help:    "Duration of remote commit attempts including retries",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 15},
			},
			[]string{"result"},
		),
		remoteRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_remote_retries_total",
				Help: "Total number of retried calls to the remote authority",
			},
			[]string{"procedure"},
		),
		sweepOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_sweep_operations_total",
				Help: "Total number of pending operations handled by the sweeper",
			},
			[]string{"result"},
		),
		pendingOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_pending_operations",
				Help: "Number of operations waiting for the remote authority",
			},
		),
	}
}

func (m *Metrics) Submission(kind, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) CommitDuration(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) RemoteRetry(procedure string) {
	if m == nil {
		return
	}
	m.remoteRetries.WithLabelValues(procedure).Inc()
}

func (m *Metrics) SweepOperation(result string) {
	if m == nil {
		return
	}
	m.sweepOperations.WithLabelValues(result).Inc()
}

// SetPending reports the queue depth seen by the last sweep.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingOperations.Set(float64(n))
}
