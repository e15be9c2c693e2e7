// Package metrics provides Prometheus-based operational metrics for the
// scanner: circuit build outcomes, attach outcomes, SOCKS client errors, and
// scan progress.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the scanner exposes, registered
// against a private registry so multiple scans in one process (e.g. in
// tests) don't collide on the default global registry.
type Metrics struct {
	Registry *prometheus.Registry

	CircuitsBuilt       prometheus.Counter
	CircuitsFailed      prometheus.Counter
	CircuitBuildSeconds prometheus.Histogram
	ActiveTaskCircuits  prometheus.Gauge

	AttachSuccess prometheus.Counter
	AttachFailure prometheus.Counter

	SOCKSErrors      *prometheus.CounterVec
	SOCKSConnections prometheus.Counter

	FinishedStreams prometheus.Counter
	ModulesRun      prometheus.Counter

	startTime time.Time
	Uptime    prometheus.GaugeFunc
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	start := time.Now()

	m := &Metrics{
		Registry: reg,
		startTime: start,

		CircuitsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torscan_circuits_built_total",
			Help: "Number of circuits that reached the BUILT state.",
		}),
		CircuitsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torscan_circuits_failed_total",
			Help: "Number of circuits that reached FAILED.",
		}),
		CircuitBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "torscan_circuit_build_seconds",
			Help:    "Time from LAUNCHED to a terminal circuit state.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveTaskCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torscan_active_task_circuits",
			Help: "Number of circuits currently running a task goroutine.",
		}),
		AttachSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torscan_attach_success_total",
			Help: "Number of successful attach_stream controller calls.",
		}),
		AttachFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torscan_attach_failure_total",
			Help: "Number of failed attach_stream controller calls.",
		}),
		SOCKSErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torscan_socks_errors_total",
			Help: "SOCKS client errors by reply code.",
		}, []string{"code"}),
		SOCKSConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torscan_socks_connections_total",
			Help: "Number of SOCKS CONNECT/RESOLVE handshakes initiated by tasks.",
		}),
		FinishedStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torscan_finished_streams_total",
			Help: "Number of (circuit, nil) task-completion IPC messages processed.",
		}),
		ModulesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torscan_modules_run_total",
			Help: "Number of task invocations completed.",
		}),
	}

	m.Uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "torscan_uptime_seconds",
		Help: "Seconds since this scanner process started.",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	reg.MustRegister(
		m.CircuitsBuilt,
		m.CircuitsFailed,
		m.CircuitBuildSeconds,
		m.ActiveTaskCircuits,
		m.AttachSuccess,
		m.AttachFailure,
		m.SOCKSErrors,
		m.SOCKSConnections,
		m.FinishedStreams,
		m.ModulesRun,
		m.Uptime,
	)

	return m
}

// RecordCircuitBuild records a circuit's terminal outcome and how long it
// took to get there.
func (m *Metrics) RecordCircuitBuild(success bool, duration time.Duration) {
	if success {
		m.CircuitsBuilt.Inc()
	} else {
		m.CircuitsFailed.Inc()
	}
	m.CircuitBuildSeconds.Observe(duration.Seconds())
}

// RecordAttach records the outcome of one attach_stream controller call.
func (m *Metrics) RecordAttach(success bool) {
	if success {
		m.AttachSuccess.Inc()
	} else {
		m.AttachFailure.Inc()
	}
}

// RecordSOCKSError records a SOCKS client error keyed by its reply code.
func (m *Metrics) RecordSOCKSError(code byte) {
	m.SOCKSErrors.WithLabelValues(formatCode(code)).Inc()
}

func formatCode(code byte) string {
	const hex = "0123456789abcdef"
	return string([]byte{'0', 'x', hex[code>>4], hex[code&0x0f]})
}
