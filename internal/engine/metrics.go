package engine

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	MatchesTotal  *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec
	SweepErrors   *prometheus.CounterVec
	BookDepth     *prometheus.GaugeVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		MatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matching_executions_total",
				Help: "Total executions produced by matching sweeps.",
			},
			[]string{"asset"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matching_sweep_duration_seconds",
				Help:    "Duration of per-asset matching sweeps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"asset"},
		),
		SweepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matching_sweep_errors_total",
				Help: "Matching sweeps aborted by an error.",
			},
			[]string{"asset"},
		),
		BookDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderbook_depth",
				Help: "Resting orders per asset and side.",
			},
			[]string{"asset", "side"},
		),
	}

	registry.MustRegister(m.MatchesTotal, m.SweepDuration, m.SweepErrors, m.BookDepth)
	return m
}
