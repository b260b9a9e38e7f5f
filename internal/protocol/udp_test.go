package protocol_test

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/openrally/gorally/internal/protocol"
)

// loopbackEndpoint binds an endpoint on an ephemeral loopback port.
func loopbackEndpoint(t *testing.T) *protocol.UDPEndpoint {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	ep := protocol.NewUDPEndpointFromConn(conn, slog.Default())
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

// waitDatagram polls TryRead until a datagram arrives or the deadline passes.
func waitDatagram(t *testing.T, ep *protocol.UDPEndpoint) protocol.Datagram {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dg, ok, err := ep.TryRead()
		if err != nil {
			t.Fatalf("TryRead: %v", err)
		}
		if ok {
			return dg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no datagram before deadline")
	return protocol.Datagram{}
}

func TestUDPEndpointSendTryRead(t *testing.T) {
	t.Parallel()

	a := loopbackEndpoint(t)
	b := loopbackEndpoint(t)

	want := &protocol.VehicleUpdate{PlayerID: 111, VehicleID: 2, Ms: 50, Data: []byte{9}}
	if err := a.Send(b.LocalAddr(), want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dg := waitDatagram(t, b)
	got, ok := dg.Packet.(*protocol.VehicleUpdate)
	if !ok {
		t.Fatalf("got %T", dg.Packet)
	}
	if got.PlayerID != 111 || got.VehicleID != 2 || got.Ms != 50 {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if dg.Peer != a.LocalAddr() {
		t.Errorf("peer %s, want %s", dg.Peer, a.LocalAddr())
	}
}

func TestUDPEndpointTryReadEmpty(t *testing.T) {
	t.Parallel()

	ep := loopbackEndpoint(t)

	if _, ok, err := ep.TryRead(); ok || err != nil {
		t.Errorf("got ok=%v err=%v, want none", ok, err)
	}
}

func TestUDPEndpointDropsMalformed(t *testing.T) {
	t.Parallel()

	ep := loopbackEndpoint(t)

	sender, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(ep.LocalAddr()))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })

	// Garbage first, a valid packet second: only the valid one surfaces.
	if _, err := sender.Write([]byte{0xFF, 0x01, 0x02}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	valid, err := protocol.AppendPacket(nil, &protocol.Confirmation{ConfirmID: 3})
	if err != nil {
		t.Fatalf("AppendPacket: %v", err)
	}
	if _, err := sender.Write(valid); err != nil {
		t.Fatalf("write valid: %v", err)
	}

	dg := waitDatagram(t, ep)
	if c, ok := dg.Packet.(*protocol.Confirmation); !ok || c.ConfirmID != 3 {
		t.Errorf("got %+v", dg.Packet)
	}
}
