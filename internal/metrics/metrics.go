// Package metrics provides Prometheus metrics for the control relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all relay-level metrics.
type Metrics struct {
	// Transaction metrics
	TxnsStarted   prometheus.Counter
	TxnsCompleted prometheus.Counter
	TxnsCleared   *prometheus.CounterVec

	// Connection metrics
	ClientConnected prometheus.Gauge
	DnodeConnected  prometheus.Gauge

	// Sample stream metrics
	SamplesForwarded prometheus.Counter
	SamplesDropped   *prometheus.CounterVec

	// Traffic metrics
	BytesRelayed *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		TxnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqrelay",
			Subsystem: "txn",
			Name:      "started_total",
			Help:      "Total number of transactions enqueued",
		}),
		TxnsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqrelay",
			Subsystem: "txn",
			Name:      "completed_total",
			Help:      "Total number of transactions satisfied and relayed back",
		}),
		TxnsCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqrelay",
			Subsystem: "txn",
			Name:      "cleared_total",
			Help:      "Total number of transactions forcibly cleared",
		}, []string{"cause"}),
		ClientConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acqrelay",
			Subsystem: "conn",
			Name:      "client_connected",
			Help:      "Whether a client connection is open (0 or 1)",
		}),
		DnodeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acqrelay",
			Subsystem: "conn",
			Name:      "dnode_connected",
			Help:      "Whether the data node connection is open (0 or 1)",
		}),
		SamplesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqrelay",
			Subsystem: "sample",
			Name:      "forwarded_total",
			Help:      "Total number of batch samples forwarded to a subscriber",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqrelay",
			Subsystem: "sample",
			Name:      "dropped_total",
			Help:      "Total number of batch samples dropped",
		}, []string{"cause"}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqrelay",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Total wire bytes relayed",
		}, []string{"direction"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.TxnsStarted,
		m.TxnsCompleted,
		m.TxnsCleared,
		m.ClientConnected,
		m.DnodeConnected,
		m.SamplesForwarded,
		m.SamplesDropped,
		m.BytesRelayed,
	)
	return m
}

// Handler returns an HTTP handler serving the registry in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
