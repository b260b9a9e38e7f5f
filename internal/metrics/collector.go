// Package srvmetrics exposes the server's Prometheus metrics.
package srvmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gorally"
	subsystem = "server"
)

// Label names.
const (
	labelTransport = "transport"
	labelStage     = "stage"
	labelReason    = "reason"
)

// Transport label values.
const (
	// TransportTCP labels reliable control traffic.
	TransportTCP = "tcp"
	// TransportUDP labels unreliable state traffic.
	TransportUDP = "udp"
)

// Drop reason label values.
const (
	// DropUnknownPeer labels datagrams from unregistered UDP addresses.
	DropUnknownPeer = "unknown_peer"
	// DropOwnership labels updates whose declared owner is not the sender.
	DropOwnership = "ownership"
	// DropStale labels updates rejected by the freshness rule.
	DropStale = "stale"
	// DropUnknownVehicle labels updates naming an unallocated vehicle id.
	DropUnknownVehicle = "unknown_vehicle"
	// DropDecode labels payloads that failed to decode.
	DropDecode = "decode"
	// DropUnhandled labels packet kinds with no handler.
	DropUnhandled = "unhandled"
)

// -------------------------------------------------------------------------
// Collector — Prometheus server metrics
// -------------------------------------------------------------------------

// Collector holds all gorally Prometheus metrics.
//
// It implements the reporter interfaces of the handshake and engine
// packages so the wiring in cmd/gorally is a single value.
type Collector struct {
	// SessionsActive tracks the number of currently admitted sessions.
	SessionsActive prometheus.Gauge

	// VehiclesActive tracks the number of spawned vehicles across all
	// sessions.
	VehiclesActive prometheus.Gauge

	// HandshakesCompleted counts handshakes that reached Ready.
	HandshakesCompleted prometheus.Counter

	// HandshakeFailures counts handshakes that failed, labeled by stage.
	HandshakeFailures *prometheus.CounterVec

	// PacketsReceived counts inbound packets dispatched by the tick
	// engine, labeled by transport.
	PacketsReceived *prometheus.CounterVec

	// PacketsSent counts outbound packets, labeled by transport.
	// Broadcast fan-out counts once per receiver.
	PacketsSent *prometheus.CounterVec

	// PacketsDropped counts inbound packets discarded without effect,
	// labeled by reason.
	PacketsDropped *prometheus.CounterVec

	// TickDuration observes the wall time of each tick body.
	TickDuration prometheus.Histogram

	// RosterBroadcasts counts roster deltas sent.
	RosterBroadcasts prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "gorally_server_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionsActive,
		c.VehiclesActive,
		c.HandshakesCompleted,
		c.HandshakeFailures,
		c.PacketsReceived,
		c.PacketsSent,
		c.PacketsDropped,
		c.TickDuration,
		c.RosterBroadcasts,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of currently admitted sessions.",
		}),

		VehiclesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "vehicles_active",
			Help:      "Number of spawned vehicles across all sessions.",
		}),

		HandshakesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshakes_completed_total",
			Help:      "Total handshakes that produced an admitted session.",
		}),

		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_failures_total",
			Help:      "Total failed handshakes by state machine stage.",
		}, []string{labelStage}),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total inbound packets dispatched by the tick engine.",
		}, []string{labelTransport}),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total outbound packets, counted once per receiver.",
		}, []string{labelTransport}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total inbound packets discarded without effect.",
		}, []string{labelReason}),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of each 20 ms tick body.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),

		RosterBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "roster_broadcasts_total",
			Help:      "Total roster deltas broadcast to clients.",
		}),
	}
}

// -------------------------------------------------------------------------
// Handshake Reporting
// -------------------------------------------------------------------------

// HandshakeCompleted increments the completed handshake counter.
func (c *Collector) HandshakeCompleted() {
	c.HandshakesCompleted.Inc()
}

// HandshakeFailed increments the failure counter for the given stage.
func (c *Collector) HandshakeFailed(stage string) {
	c.HandshakeFailures.WithLabelValues(stage).Inc()
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// SessionAdmitted increments the active sessions gauge.
func (c *Collector) SessionAdmitted() {
	c.SessionsActive.Inc()
}

// SessionRemoved decrements the active sessions gauge and subtracts the
// removed session's vehicles from the vehicle gauge.
func (c *Collector) SessionRemoved(vehicles int) {
	c.SessionsActive.Dec()
	c.VehiclesActive.Sub(float64(vehicles))
}

// VehicleSpawned increments the vehicle gauge.
func (c *Collector) VehicleSpawned() {
	c.VehiclesActive.Inc()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// PacketReceived increments the inbound counter for the given transport.
func (c *Collector) PacketReceived(transport string) {
	c.PacketsReceived.WithLabelValues(transport).Inc()
}

// PacketSent increments the outbound counter for the given transport.
func (c *Collector) PacketSent(transport string) {
	c.PacketsSent.WithLabelValues(transport).Inc()
}

// PacketDropped increments the drop counter for the given reason.
func (c *Collector) PacketDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Tick Loop
// -------------------------------------------------------------------------

// ObserveTick records one tick body duration.
func (c *Collector) ObserveTick(d time.Duration) {
	c.TickDuration.Observe(d.Seconds())
}

// RosterBroadcast increments the roster delta counter.
func (c *Collector) RosterBroadcast() {
	c.RosterBroadcasts.Inc()
}
