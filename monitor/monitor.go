// Package monitor records operational metrics: invoke counts/latency by
// status, connection churn, and heartbeat misses. Nothing in the example
// pack ships a metrics package, so this is grounded directly in the
// ecosystem library the pack's go.mod already pulls in transitively
// through other components, github.com/prometheus/client_golang, the
// standard choice for a Go service's own /metrics endpoint.
package monitor

import (
	"github.com/bolt-rpc/boltrpc/rpcerr"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the interface remoting-facing code reports through. A
// no-op implementation is the zero-configuration default so callers never
// need a nil check.
type Recorder interface {
	InvokeStarted()
	InvokeCompleted(status rpcerr.Status, elapsedSeconds float64)
	ConnectionCreated()
	ConnectionClosed()
	HeartbeatMissed()
}

// Noop discards every signal. The package-level default.
type Noop struct{}

func (Noop) InvokeStarted()                                        {}
func (Noop) InvokeCompleted(status rpcerr.Status, elapsed float64) {}
func (Noop) ConnectionCreated()                                     {}
func (Noop) ConnectionClosed()                                      {}
func (Noop) HeartbeatMissed()                                       {}

// Prometheus is a Recorder backed by client_golang collectors (Noop, not
// Prometheus, is what a Connection uses when no Recorder is configured).
// Callers register its collectors on whatever prometheus.Registerer they
// expose an HTTP handler for (the module does not bundle an HTTP server —
// spec scopes transport to raw TCP, so wiring promhttp is left to the
// embedding application).
type Prometheus struct {
	invokesInFlight prometheus.Gauge
	invokeDuration  *prometheus.HistogramVec
	connectionsOpen prometheus.Gauge
	heartbeatMisses prometheus.Counter
}

// NewPrometheus builds a Recorder and registers its collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		invokesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boltrpc",
			Name:      "invokes_in_flight",
			Help:      "Number of invoke calls currently awaiting a response.",
		}),
		invokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boltrpc",
			Name:      "invoke_duration_seconds",
			Help:      "Invoke latency by terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boltrpc",
			Name:      "connections_open",
			Help:      "Number of currently open connections.",
		}),
		heartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boltrpc",
			Name:      "heartbeat_misses_total",
			Help:      "Total heartbeat probes that went unanswered within their timeout.",
		}),
	}
	reg.MustRegister(p.invokesInFlight, p.invokeDuration, p.connectionsOpen, p.heartbeatMisses)
	return p
}

func (p *Prometheus) InvokeStarted() { p.invokesInFlight.Inc() }

func (p *Prometheus) InvokeCompleted(status rpcerr.Status, elapsedSeconds float64) {
	p.invokesInFlight.Dec()
	p.invokeDuration.WithLabelValues(status.String()).Observe(elapsedSeconds)
}

func (p *Prometheus) ConnectionCreated() { p.connectionsOpen.Inc() }

func (p *Prometheus) ConnectionClosed() { p.connectionsOpen.Dec() }

func (p *Prometheus) HeartbeatMissed() { p.heartbeatMisses.Inc() }
