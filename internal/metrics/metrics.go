// Package metrics exposes relay statistics via Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "easyssh"

// RelayCollector tracks relay-wide counters and exposes them via a dedicated
// Prometheus registry so the relay can serve /metrics without inheriting
// default Go collectors from other libraries.
type RelayCollector struct {
	namespace string
	registry  *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	shellBytesIn      prometheus.Counter
	shellBytesOut     prometheus.Counter
	transferBytes     *prometheus.CounterVec // direction: upload|download
	transferOps       *prometheus.CounterVec // kind, outcome
	frameErrors       prometheus.Counter
	reconnectAttempts prometheus.Counter
	pingRTT           prometheus.Histogram
}

// NewRelayCollector creates a collector and registers its metrics.
func NewRelayCollector(namespace string) *RelayCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()

	rc := &RelayCollector{
		namespace: namespace,
		registry:  reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "active",
			Help: "Number of registered sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "total",
			Help: "Total sessions registered since start.",
		}),
		shellBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shell", Name: "bytes_in_total",
			Help: "Shell bytes received from clients.",
		}),
		shellBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shell", Name: "bytes_out_total",
			Help: "Shell bytes sent to clients.",
		}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "bytes_total",
			Help: "File transfer payload bytes by direction.",
		}, []string{"direction"}),
		transferOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "operations_total",
			Help: "Transfer operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "protocol", Name: "frame_errors_total",
			Help: "Frames rejected at the codec boundary.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "reconnect_attempts_total",
			Help: "Remote endpoint reconnection attempts.",
		}),
		pingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "keepalive", Name: "rtt_seconds",
			Help:    "Round-trip time of keepalive probes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		rc.sessionsActive, rc.sessionsTotal,
		rc.shellBytesIn, rc.shellBytesOut,
		rc.transferBytes, rc.transferOps,
		rc.frameErrors, rc.reconnectAttempts, rc.pingRTT,
	)
	return rc
}

func (rc *RelayCollector) SessionRegistered() { rc.sessionsActive.Inc(); rc.sessionsTotal.Inc() }

func (rc *RelayCollector) SessionRemoved() { rc.sessionsActive.Dec() }

func (rc *RelayCollector) ShellBytesIn(n int) { rc.shellBytesIn.Add(float64(n)) }

func (rc *RelayCollector) ShellBytesOut(n int) { rc.shellBytesOut.Add(float64(n)) }

func (rc *RelayCollector) FrameError() { rc.frameErrors.Inc() }

func (rc *RelayCollector) ReconnectAttempt() { rc.reconnectAttempts.Inc() }

func (rc *RelayCollector) PingRTT(seconds float64) { rc.pingRTT.Observe(seconds) }

// TransferBytes records payload bytes moved in one direction.
func (rc *RelayCollector) TransferBytes(direction string, n int) {
	rc.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// TransferFinished records an operation's terminal outcome.
func (rc *RelayCollector) TransferFinished(kind, outcome string) {
	rc.transferOps.WithLabelValues(kind, outcome).Inc()
}

// Handler returns an http.Handler serving the collector's registry.
func (rc *RelayCollector) Handler() http.Handler {
	return promhttp.HandlerFor(rc.registry, promhttp.HandlerOpts{})
}
