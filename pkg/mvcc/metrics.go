package mvcc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors updated by a Manager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	commits        prometheus.Counter
	aborts         prometheus.Counter
	conflicts      *prometheus.CounterVec
	active         prometheus.Gauge
	reclaimedTotal prometheus.Counter
	commitDuration prometheus.Histogram
}

// NewMetrics creates the transaction collectors and registers them on reg.
// Graphs sharing a registry must use distinct namespaces.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_commits_total",
			Help:      "Total committed transactions",
		}),
		aborts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_aborts_total",
			Help:      "Total aborted transactions, including those aborted by a conflict",
		}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_conflicts_total",
			Help:      "Commits rejected by validation, by failing check",
		}, []string{"check"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tx_active",
			Help:      "Currently running transactions",
		}),
		reclaimedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_reclaimed_total",
			Help:      "Persistent versions dropped by reclamation",
		}),
		commitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_commit_duration_seconds",
			Help:      "Time from commit lock acquisition to the end of the writing phase",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~330ms
		}),
	}
}

func (m *Metrics) committed(d time.Duration) {
	if m == nil {
		return
	}
	m.commits.Inc()
	if d > 0 {
		m.commitDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) aborted() {
	if m == nil {
		return
	}
	m.aborts.Inc()
}

func (m *Metrics) conflict(check string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(check).Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) reclaimed(n int) {
	if m == nil {
		return
	}
	m.reclaimedTotal.Add(float64(n))
}
