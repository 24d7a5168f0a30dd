// Package metrics registers the node's Prometheus collectors.
//
// Every method is safe on a nil *Metrics so components can run without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clearcore"

type Metrics struct {
	registry *prometheus.Registry

	OrdersTotal             *prometheus.CounterVec
	ExecutionsTotal         *prometheus.CounterVec
	TradesTotal             *prometheus.CounterVec
	SettlementFailures      prometheus.Counter
	SettlementDuration      prometheus.Histogram
	PersistenceFlushes      prometheus.Counter
	PersistenceFlushFailure prometheus.Counter
	PersistenceQueueDepth   prometheus.Gauge
	EventsDropped           *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "orders_total",
			Help:      "Orders submitted, by symbol and outcome",
		}, []string{"symbol", "result"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "executions_total",
			Help:      "Executions produced by the matching engine",
		}, []string{"symbol"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "processed_total",
			Help:      "Trades processed, by final status",
		}, []string{"symbol", "status"}),
		SettlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "Trades whose ledger settlement failed",
		}),
		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "settlement_duration_seconds",
			Help:      "Time spent in ledger settlement per trade",
			Buckets:   prometheus.DefBuckets,
		}),
		PersistenceFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_flushes_total",
			Help:      "Successful trade persistence batch writes",
		}),
		PersistenceFlushFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_flush_failures_total",
			Help:      "Failed trade persistence batch writes",
		}),
		PersistenceQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persistence_queue_depth",
			Help:      "Trades waiting to be persisted",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Event deliveries dropped because a subscriber was full",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OrdersTotal,
		m.ExecutionsTotal,
		m.TradesTotal,
		m.SettlementFailures,
		m.SettlementDuration,
		m.PersistenceFlushes,
		m.PersistenceFlushFailure,
		m.PersistenceQueueDepth,
		m.EventsDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Order(symbol, result string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(symbol, result).Inc()
}

func (m *Metrics) Executions(symbol string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExecutionsTotal.WithLabelValues(symbol).Add(float64(n))
}

func (m *Metrics) Trade(symbol, status string) {
	if m == nil {
		return
	}
	m.TradesTotal.WithLabelValues(symbol, status).Inc()
}

func (m *Metrics) SettlementFailed() {
	if m == nil {
		return
	}
	m.SettlementFailures.Inc()
}

func (m *Metrics) ObserveSettlement(seconds float64) {
	if m == nil {
		return
	}
	m.SettlementDuration.Observe(seconds)
}

func (m *Metrics) Flushed(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.PersistenceFlushes.Inc()
		return
	}
	m.PersistenceFlushFailure.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.PersistenceQueueDepth.Set(float64(n))
}

func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(kind).Inc()
}
