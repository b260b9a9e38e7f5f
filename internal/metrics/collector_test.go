package srvmetrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	srvmetrics "github.com/openrally/gorally/internal/metrics"
)

func newCollector(t *testing.T) (*srvmetrics.Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return srvmetrics.NewCollector(reg), reg
}

// findMetric gathers the registry and returns the named metric family.
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestNewCollectorRegistersAll(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)

	if c.SessionsActive == nil || c.VehiclesActive == nil ||
		c.HandshakesCompleted == nil || c.HandshakeFailures == nil ||
		c.PacketsReceived == nil || c.PacketsSent == nil ||
		c.PacketsDropped == nil || c.TickDuration == nil ||
		c.RosterBroadcasts == nil {
		t.Fatal("collector has nil metrics")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}

func TestSessionGauges(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)

	c.SessionAdmitted()
	c.SessionAdmitted()
	c.VehicleSpawned()
	c.VehicleSpawned()
	c.VehicleSpawned()
	c.SessionRemoved(3)

	mf := findMetric(t, reg, "gorally_server_sessions_active")
	if mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Errorf("sessions gauge %v, want 1", mf)
	}

	mf = findMetric(t, reg, "gorally_server_vehicles_active")
	if mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 0 {
		t.Errorf("vehicles gauge %v, want 0", mf)
	}
}

func TestHandshakeCounters(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)

	c.HandshakeCompleted()
	c.HandshakeFailed("await_auth")
	c.HandshakeFailed("await_auth")

	mf := findMetric(t, reg, "gorally_server_handshake_failures_total")
	if mf == nil {
		t.Fatal("handshake failures not gathered")
	}
	m := mf.GetMetric()[0]
	if m.GetCounter().GetValue() != 2 {
		t.Errorf("failures %v, want 2", m.GetCounter().GetValue())
	}
	if m.GetLabel()[0].GetValue() != "await_auth" {
		t.Errorf("stage label %q", m.GetLabel()[0].GetValue())
	}
}

func TestPacketCounters(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)

	c.PacketReceived(srvmetrics.TransportTCP)
	c.PacketReceived(srvmetrics.TransportUDP)
	c.PacketSent(srvmetrics.TransportUDP)
	c.PacketDropped(srvmetrics.DropStale)

	if mf := findMetric(t, reg, "gorally_server_packets_received_total"); mf == nil || len(mf.GetMetric()) != 2 {
		t.Error("received counter missing transports")
	}
	if mf := findMetric(t, reg, "gorally_server_packets_dropped_total"); mf == nil ||
		mf.GetMetric()[0].GetLabel()[0].GetValue() != srvmetrics.DropStale {
		t.Error("dropped counter missing reason label")
	}
}

func TestTickHistogram(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)

	c.ObserveTick(2 * time.Millisecond)
	c.ObserveTick(30 * time.Millisecond)

	mf := findMetric(t, reg, "gorally_server_tick_duration_seconds")
	if mf == nil {
		t.Fatal("tick histogram not gathered")
	}
	if mf.GetMetric()[0].GetHistogram().GetSampleCount() != 2 {
		t.Errorf("sample count %d, want 2", mf.GetMetric()[0].GetHistogram().GetSampleCount())
	}
}

func TestRosterCounter(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)
	c.RosterBroadcast()

	mf := findMetric(t, reg, "gorally_server_roster_broadcasts_total")
	if mf == nil || mf.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Error("roster counter not incremented")
	}
}
