package cache

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bottlecache"

// Run outcomes reported by the runs counter.
const (
	runOutcomeStored     = "stored"
	runOutcomeInvalid    = "invalid"
	runOutcomeNoArtifact = "no_artifact"
)

// Metrics holds the prometheus collectors of a Cache. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cycles      *prometheus.CounterVec
	runs        *prometheus.CounterVec
	records     prometheus.Gauge
	processed   prometheus.Gauge
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// NewMetrics creates the cache collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "update_cycles_total",
				Help:      "number of update cycles, by outcome",
			},
			[]string{"outcome"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "runs_processed_total",
				Help:      "number of archives and empty runs processed, by outcome",
			},
			[]string{"outcome"},
		),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "records",
			Help:      "number of records held in memory",
		}),
		processed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "processed_runs",
			Help:      "number of upstream runs already processed",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "update_cycle_duration_seconds",
			Help:      "update cycle duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "last_success_timestamp_seconds",
			Help:      "unix time of the last successful update cycle",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.cycles, m.runs, m.records, m.processed, m.duration, m.lastSuccess,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering cache metrics: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) observeCycle(outcome string, took time.Duration) {
	if m == nil {
		return
	}

	m.cycles.WithLabelValues(outcome).Inc()
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) observeRuns(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.runs.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) setState(records, processed int) {
	if m == nil {
		return
	}

	m.records.Set(float64(records))
	m.processed.Set(float64(processed))
}

func (m *Metrics) markSuccess(at time.Time) {
	if m == nil {
		return
	}

	m.lastSuccess.Set(float64(at.Unix()))
}
