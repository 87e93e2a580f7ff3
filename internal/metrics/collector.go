package attpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus metric constants
// -------------------------------------------------------------------------

const (
	namespace = "attp"
	subsystem = "protocol"
)

// Label names for ATTP metrics.
const (
	labelNamespace = "namespace"
	labelCommand   = "command"
	labelCode      = "code"
)

// -------------------------------------------------------------------------
// Collector — Prometheus ATTP metrics
// -------------------------------------------------------------------------

// Collector holds all ATTP Prometheus metrics.
//
//   - Sessions gauges track currently connected sessions per namespace.
//   - Frame counters track command volume sent/received per namespace.
//   - AckGatePending gauges the number of correlation ids currently
//     awaiting a reply, per namespace.
//   - AuthFailures and ReplayRejections flag potential security issues.
type Collector struct {
	// Sessions tracks the number of currently connected sessions per
	// namespace. Incremented on handshake completion (READY), decremented
	// on session close.
	Sessions *prometheus.GaugeVec

	// FramesSent counts frames transmitted, labeled by namespace and
	// command type.
	FramesSent *prometheus.CounterVec

	// FramesReceived counts frames received, labeled by namespace and
	// command type.
	FramesReceived *prometheus.CounterVec

	// AckGatePending gauges the number of correlation ids currently open
	// (awaiting a response) per namespace.
	AckGatePending *prometheus.GaugeVec

	// AuthFailures counts HMAC authentication verification failures per
	// namespace, labeled by the resulting error code (spec §4.6).
	AuthFailures *prometheus.CounterVec

	// ReplayRejections counts nonces rejected as already-seen by the
	// replay cache, per namespace.
	ReplayRejections *prometheus.CounterVec
}

// NewCollector creates a Collector with all ATTP metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "attp_protocol_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.FramesSent,
		c.FramesReceived,
		c.AckGatePending,
		c.AuthFailures,
		c.ReplayRejections,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering
// them.
func newMetrics() *Collector {
	nsLabels := []string{labelNamespace}
	frameLabels := []string{labelNamespace, labelCommand}
	authLabels := []string{labelNamespace, labelCode}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently connected ATTP sessions.",
		}, nsLabels),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total ATTP frames transmitted, by command.",
		}, frameLabels),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total ATTP frames received, by command.",
		}, frameLabels),

		AckGatePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ack_gate_pending",
			Help:      "Number of correlation ids currently awaiting a response.",
		}, nsLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total HMAC authentication verification failures (spec 4.6).",
		}, authLabels),

		ReplayRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replay_rejections_total",
			Help:      "Total AUTH attempts rejected by the replay cache.",
		}, nsLabels),
	}
}

// -------------------------------------------------------------------------
// Session lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for namespace.
// Called when a session's handshake completes (READY).
func (c *Collector) RegisterSession(namespace string) {
	c.Sessions.WithLabelValues(namespace).Inc()
}

// UnregisterSession decrements the active sessions gauge for namespace.
// Called when a session closes.
func (c *Collector) UnregisterSession(namespace string) {
	c.Sessions.WithLabelValues(namespace).Dec()
}

// -------------------------------------------------------------------------
// Frame counters
// -------------------------------------------------------------------------

// IncFramesSent increments the transmitted frame counter for namespace
// and command.
func (c *Collector) IncFramesSent(namespace, command string) {
	c.FramesSent.WithLabelValues(namespace, command).Inc()
}

// IncFramesReceived increments the received frame counter for namespace
// and command.
func (c *Collector) IncFramesReceived(namespace, command string) {
	c.FramesReceived.WithLabelValues(namespace, command).Inc()
}

// -------------------------------------------------------------------------
// Ack gate depth
// -------------------------------------------------------------------------

// SetAckGatePending sets the number of currently open correlation ids
// for namespace.
func (c *Collector) SetAckGatePending(namespace string, n int) {
	c.AckGatePending.WithLabelValues(namespace).Set(float64(n))
}

// -------------------------------------------------------------------------
// Authentication
// -------------------------------------------------------------------------

// IncAuthFailures increments the authentication failure counter for
// namespace, labeled with the resulting ATTP error code (e.g. "401").
func (c *Collector) IncAuthFailures(namespace, code string) {
	c.AuthFailures.WithLabelValues(namespace, code).Inc()
}

// IncReplayRejections increments the replay-cache rejection counter for
// namespace.
func (c *Collector) IncReplayRejections(namespace string) {
	c.ReplayRejections.WithLabelValues(namespace).Inc()
}
