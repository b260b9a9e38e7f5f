package protocol_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/openrally/gorally/internal/protocol"
)

// pipeChannels returns two connected channels over an in-memory pipe.
// Both are closed when the test ends.
func pipeChannels(t *testing.T) (*protocol.Channel, *protocol.Channel) {
	t.Helper()
	a, b := net.Pipe()
	ca := protocol.NewChannel(a)
	cb := protocol.NewChannel(b)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

// waitPacket polls TryRead until a packet arrives or the deadline passes.
func waitPacket(t *testing.T, ch *protocol.Channel) protocol.Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pkt, err := ch.TryRead()
		if err != nil {
			t.Fatalf("TryRead: %v", err)
		}
		if pkt != nil {
			return pkt
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no packet before deadline")
	return nil
}

func TestChannelWriteTryRead(t *testing.T) {
	t.Parallel()

	ca, cb := pipeChannels(t)

	want := &protocol.LoadMap{ConfirmID: 41, MapName: "gridmap_v2"}
	if err := ca.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok := waitPacket(t, cb).(*protocol.LoadMap)
	if !ok {
		t.Fatal("wrong packet type")
	}
	if got.ConfirmID != want.ConfirmID || got.MapName != want.MapName {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestChannelTryReadNoData(t *testing.T) {
	t.Parallel()

	_, cb := pipeChannels(t)

	pkt, err := cb.TryRead()
	if err != nil {
		t.Fatalf("TryRead: %v", err)
	}
	if pkt != nil {
		t.Errorf("got %v, want nil", pkt)
	}
}

func TestChannelTryReadOnePerCall(t *testing.T) {
	t.Parallel()

	ca, cb := pipeChannels(t)

	for id := uint32(1); id <= 3; id++ {
		if err := ca.Write(&protocol.Confirmation{ConfirmID: id}); err != nil {
			t.Fatalf("Write %d: %v", id, err)
		}
	}

	// The drain discipline is one packet per call, in order.
	for id := uint32(1); id <= 3; id++ {
		got, ok := waitPacket(t, cb).(*protocol.Confirmation)
		if !ok || got.ConfirmID != id {
			t.Fatalf("packet %d: got %+v", id, got)
		}
	}
}

func TestChannelBlockingRead(t *testing.T) {
	t.Parallel()

	ca, cb := pipeChannels(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = ca.Write(&protocol.Confirmation{ConfirmID: 5})
	}()

	pkt, err := cb.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if c, ok := pkt.(*protocol.Confirmation); !ok || c.ConfirmID != 5 {
		t.Errorf("got %+v", pkt)
	}
}

func TestChannelReadContextCancelled(t *testing.T) {
	t.Parallel()

	_, cb := pipeChannels(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := cb.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestChannelPeerCloseIsTerminal(t *testing.T) {
	t.Parallel()

	ca, cb := pipeChannels(t)

	if err := ca.Write(&protocol.Confirmation{ConfirmID: 9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ca.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The packet written before the close is still delivered.
	got := waitPacket(t, cb)
	if c, ok := got.(*protocol.Confirmation); !ok || c.ConfirmID != 9 {
		t.Fatalf("got %+v", got)
	}

	// Afterwards the terminal error surfaces.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := cb.TryRead(); err != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no terminal error after peer close")
}

func TestChannelFrameSplitAcrossWrites(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	cb := protocol.NewChannel(b)
	t.Cleanup(func() {
		_ = a.Close()
		_ = cb.Close()
	})

	// Encode a frame by hand and deliver it one byte at a time.
	body, err := protocol.AppendPacket(nil, &protocol.PlayerKick{Reason: "bye"})
	if err != nil {
		t.Fatalf("AppendPacket: %v", err)
	}
	frame := make([]byte, 4+len(body))
	frame[2] = byte(len(body) >> 8)
	frame[3] = byte(len(body))
	copy(frame[4:], body)

	go func() {
		for _, bt := range frame {
			if _, werr := a.Write([]byte{bt}); werr != nil {
				return
			}
		}
	}()

	got, ok := waitPacket(t, cb).(*protocol.PlayerKick)
	if !ok || got.Reason != "bye" {
		t.Errorf("got %+v", got)
	}
}

func TestChannelOversizedFrameIsFatal(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	cb := protocol.NewChannel(b)
	t.Cleanup(func() {
		_ = a.Close()
		_ = cb.Close()
	})

	// Header announcing a body far beyond MaxFrameSize.
	go func() {
		_, _ = a.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := cb.TryRead()
		if err != nil {
			if !errors.Is(err, protocol.ErrFrameTooLarge) {
				t.Fatalf("got %v, want ErrFrameTooLarge", err)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("oversized frame not rejected")
}
