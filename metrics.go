package main

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/miguelrdp/iron/pkg/engine"
	"github.com/miguelrdp/iron/pkg/jsonrpc"
)

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	ActiveSessions   prometheus.Gauge

	// RPC method metrics
	RPCRequests      *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec
	InFlightRejected prometheus.Counter

	// Network metrics
	NetworkSwitches *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iron_connected_clients",
			Help: "The current number of connected websocket clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "iron_connections_total",
			Help: "The total number of websocket connections made since start",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iron_active_sessions",
			Help: "The current number of provider streams",
		}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iron_rpc_requests_total",
			Help: "The total number of RPC requests by method and result code",
		}, []string{"method", "code"}),
		RPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iron_rpc_request_duration_seconds",
			Help:    "RPC request latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		InFlightRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "iron_rpc_inflight_rejected_total",
			Help: "Requests rejected because a session had too many in flight",
		}),
		NetworkSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iron_network_switches_total",
			Help: "Network switches by destination network",
		}, []string{"network"}),
		registry: registry,
	}
}

// RegisterFilterGauge exposes the number of installed filters and subscriptions.
func (m *Metrics) RegisterFilterGauge(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "iron_active_filters",
		Help: "The current number of installed filters and subscriptions",
	}, func() float64 { return float64(count()) })
}

// Middleware records every request once the rest of the pipeline has answered.
func (m *Metrics) Middleware() engine.Handler {
	return func(c *engine.Context) {
		start := time.Now()
		c.Next()

		method, code := c.Request.Method, "0"
		switch {
		case !c.Handled():
			// The engine answers unhandled requests after the chain returns.
			method, code = "unknown", strconv.Itoa(jsonrpc.CodeMethodNotSupported)
		case c.Response.Error != nil:
			code = strconv.Itoa(c.Response.Error.Code)
		}
		m.RPCRequests.WithLabelValues(method, code).Inc()
		m.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}
