package broker

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrdersCreated         *prometheus.CounterVec
	OrdersCanceled        *prometheus.CounterVec
	OrderCreationLatency  *prometheus.HistogramVec
	MatchingTriggersTotal *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_created_total",
				Help: "Total order creation attempts.",
			},
			[]string{"status"},
		),
		OrdersCanceled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_canceled_total",
				Help: "Total order cancellation attempts.",
			},
			[]string{"status"},
		),
		OrderCreationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_creation_latency_seconds",
				Help:    "Order creation latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		MatchingTriggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matching_triggers_total",
				Help: "Explicit matching trigger invocations.",
			},
			[]string{"scope"},
		),
	}

	registry.MustRegister(m.OrdersCreated, m.OrdersCanceled, m.OrderCreationLatency, m.MatchingTriggersTotal)
	return m
}
