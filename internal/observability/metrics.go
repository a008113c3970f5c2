package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for unosim.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session metrics.
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Compile metrics.
	CompilesTotal   *prometheus.CounterVec
	CompileDuration prometheus.Histogram

	// Sandbox metrics.
	SandboxStartsTotal *prometheus.CounterVec
	OutputLimitKills   prometheus.Counter
	SandboxRunDuration *prometheus.HistogramVec

	// Serial metrics.
	SerialBytesPaced   prometheus.Counter
	SerialBytesDropped prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// WebSocket metrics.
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unosim",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently running simulations.",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unosim",
			Subsystem: "session",
			Name:      "runs_total",
			Help:      "Total simulation runs by terminal outcome.",
		}, []string{"outcome"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unosim",
			Subsystem: "session",
			Name:      "run_duration_seconds",
			Help:      "Simulation run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),

		CompilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unosim",
			Subsystem: "compile",
			Name:      "total",
			Help:      "Total sketch compiles by result.",
		}, []string{"result"}),

		CompileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "unosim",
			Subsystem: "compile",
			Name:      "duration_seconds",
			Help:      "Sketch compile duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),

		SandboxStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unosim",
			Subsystem: "sandbox",
			Name:      "starts_total",
			Help:      "Total sandbox process starts by isolation kind and status.",
		}, []string{"kind", "status"}),

		OutputLimitKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unosim",
			Subsystem: "sandbox",
			Name:      "output_limit_kills_total",
			Help:      "Processes terminated for exceeding the output byte ceiling.",
		}),

		SandboxRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unosim",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandboxed process lifetime in seconds.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"kind"}),

		SerialBytesPaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unosim",
			Subsystem: "serial",
			Name:      "bytes_paced_total",
			Help:      "Serial bytes released through the baud-rate pacer.",
		}),

		SerialBytesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unosim",
			Subsystem: "serial",
			Name:      "bytes_dropped_total",
			Help:      "Serial bytes dropped on a full transmit buffer.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unosim",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unosim",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		WSConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unosim",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections.",
		}),

		WSMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unosim",
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "Total WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.CompilesTotal,
		m.CompileDuration,
		m.SandboxStartsTotal,
		m.OutputLimitKills,
		m.SandboxRunDuration,
		m.SerialBytesPaced,
		m.SerialBytesDropped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WSConnectionsActive,
		m.WSMessagesTotal,
	)

	return m
}
