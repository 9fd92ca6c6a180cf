// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for reactors and workers.

package control

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mtx"

// Metrics owns a private registry and every collector of the server.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	protocolErrors   *prometheus.CounterVec
	ioErrors         *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	connections      *prometheus.GaugeVec
	notifications    *prometheus.CounterVec
	commandsRejected *prometheus.CounterVec
	workerFrames     *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors, including the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	reactor := []string{"reactor"}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "frames_received_total",
			Help: "Complete frames reassembled from connections.",
		}, reactor),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "frames_dropped_total",
			Help: "Application frames dropped because every dispatch attempt failed.",
		}, reactor),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "protocol_errors_total",
			Help: "Connections torn down for a malformed header or oversized frame.",
		}, reactor),
		ioErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "io_errors_total",
			Help: "Connections torn down for a socket read or write error.",
		}, reactor),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "idle_evictions_total",
			Help: "Connections evicted for inactivity.",
		}, reactor),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "connections",
			Help: "Live connections owned by the reactor.",
		}, reactor),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "notifications_total",
			Help: "ProcessRequest commands sent to workers, by result.",
		}, []string{"reactor", "result"}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reactor", Name: "commands_rejected_total",
			Help: "Control commands that could not be applied.",
		}, reactor),
		workerFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "frames_total",
			Help: "Frames consumed by workers, by outcome.",
		}, []string{"worker", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesReceived, m.framesDropped, m.protocolErrors, m.ioErrors,
		m.evictions, m.connections, m.notifications, m.commandsRejected,
		m.workerFrames,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Reactor returns the collectors curried for one reactor. A nil Metrics
// yields a nil handle whose methods do nothing.
func (m *Metrics) Reactor(id int) *ReactorMetrics {
	if m == nil {
		return nil
	}
	l := strconv.Itoa(id)
	return &ReactorMetrics{
		received:   m.framesReceived.WithLabelValues(l),
		dropped:    m.framesDropped.WithLabelValues(l),
		protocol:   m.protocolErrors.WithLabelValues(l),
		io:         m.ioErrors.WithLabelValues(l),
		evicted:    m.evictions.WithLabelValues(l),
		conns:      m.connections.WithLabelValues(l),
		notifyOK:   m.notifications.WithLabelValues(l, "ok"),
		notifyFail: m.notifications.WithLabelValues(l, "failed"),
		rejected:   m.commandsRejected.WithLabelValues(l),
	}
}

// Worker returns the collectors curried for one worker.
func (m *Metrics) Worker(id int) *WorkerMetrics {
	if m == nil {
		return nil
	}
	l := strconv.Itoa(id)
	return &WorkerMetrics{
		handled:   m.workerFrames.WithLabelValues(l, "handled"),
		unhandled: m.workerFrames.WithLabelValues(l, "unhandled"),
		failed:    m.workerFrames.WithLabelValues(l, "failed"),
	}
}

// ReactorMetrics is the per-reactor view of Metrics.
type ReactorMetrics struct {
	received, dropped, protocol, io, evicted prometheus.Counter
	conns                                    prometheus.Gauge
	notifyOK, notifyFail, rejected           prometheus.Counter
}

func (r *ReactorMetrics) FrameReceived() {
	if r != nil {
		r.received.Inc()
	}
}

func (r *ReactorMetrics) FrameDropped() {
	if r != nil {
		r.dropped.Inc()
	}
}

func (r *ReactorMetrics) ProtocolError() {
	if r != nil {
		r.protocol.Inc()
	}
}

func (r *ReactorMetrics) IOError() {
	if r != nil {
		r.io.Inc()
	}
}

func (r *ReactorMetrics) Evicted() {
	if r != nil {
		r.evicted.Inc()
	}
}

// Connections sets the live connection gauge.
func (r *ReactorMetrics) Connections(n int) {
	if r != nil {
		r.conns.Set(float64(n))
	}
}

// Notified records one ProcessRequest send attempt.
func (r *ReactorMetrics) Notified(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.notifyOK.Inc()
	} else {
		r.notifyFail.Inc()
	}
}

func (r *ReactorMetrics) CommandRejected() {
	if r != nil {
		r.rejected.Inc()
	}
}

// WorkerMetrics is the per-worker view of Metrics.
type WorkerMetrics struct {
	handled, unhandled, failed prometheus.Counter
}

func (w *WorkerMetrics) Handled() {
	if w != nil {
		w.handled.Inc()
	}
}

func (w *WorkerMetrics) Unhandled() {
	if w != nil {
		w.unhandled.Inc()
	}
}

func (w *WorkerMetrics) Failed() {
	if w != nil {
		w.failed.Inc()
	}
}
