package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	wasmoffload "github.com/wippyai/wasm-offload"
)

const metricsNamespace = "wasm_offload"

// Operation labels.
const (
	opCall  = "call"
	opRead  = "read"
	opWrite = "write"
)

// Metrics collects request and process telemetry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	inflight      prometheus.Gauge
	transferBytes *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	processes     prometheus.Gauge
	leaked        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests by operation and terminal status",
		}, []string{"op", "status"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_inflight",
			Help:      "Requests submitted and not yet resolved",
		}),
		transferBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved between host and engine by completed transfers",
		}, []string{"direction"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from submission to resolution",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		}, []string{"op"}),
		processes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "processes_open",
			Help:      "Open process handles",
		}),
		leaked: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "leaked_allocations_total",
			Help:      "Allocations still live when their process was closed",
		}),
	}
}

func (m *Metrics) submitted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) resolved(op string, status wasmoffload.Status, since time.Time) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.requests.WithLabelValues(op, status.String()).Inc()
	if !since.IsZero() {
		m.duration.WithLabelValues(op).Observe(time.Since(since).Seconds())
	}
}

func (m *Metrics) transferred(dir wasmoffload.Direction, n int) {
	if m == nil || n == 0 {
		return
	}
	m.transferBytes.WithLabelValues(dir.String()).Add(float64(n))
}

func (m *Metrics) processOpened() {
	if m == nil {
		return
	}
	m.processes.Inc()
}

func (m *Metrics) processClosed() {
	if m == nil {
		return
	}
	m.processes.Dec()
}

func (m *Metrics) leakedAllocations(n int) {
	if m == nil || n == 0 {
		return
	}
	m.leaked.Add(float64(n))
}
