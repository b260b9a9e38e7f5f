package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// UDP Endpoint — datagram-per-packet transport
// -------------------------------------------------------------------------

const (
	// maxDatagramSize is the receive buffer per datagram. Physics packets
	// are small; anything larger is protocol-broken and dropped.
	maxDatagramSize = 8192

	// udpBacklog is the inbound datagram buffer. The tick engine drains it
	// fully every tick; on overflow between ticks the reader blocks and the
	// kernel drops newly arriving datagrams once the socket buffer fills,
	// which is acceptable for unreliable state updates.
	udpBacklog = 1024
)

// ErrEndpointClosed indicates a read from an endpoint whose socket has
// been closed.
var ErrEndpointClosed = errors.New("udp endpoint closed")

// Datagram is one decoded inbound UDP packet with its origin.
type Datagram struct {
	Packet Packet
	Peer   netip.AddrPort
}

// UDPEndpoint is the server's shared UDP socket. One decoded datagram
// stream feeds the tick engine; outbound sends go directly to the socket.
//
// A dedicated reader goroutine decodes datagrams into a bounded buffer.
// Malformed datagrams are dropped there: decode failures are logged at
// error level, never fatal. TryRead never blocks.
//
// TryRead must be driven by a single goroutine (the tick engine). Send is
// safe for concurrent use.
type UDPEndpoint struct {
	conn   *net.UDPConn
	in     chan Datagram
	closed chan struct{}
	once   sync.Once
	logger *slog.Logger

	// readErr is set by the reader goroutine before in is closed.
	readErr error
}

// ListenUDP binds the shared UDP socket on the given port (all interfaces)
// and starts its reader. Bind failure is infrastructure fatal for the
// caller.
func ListenUDP(port uint16, logger *slog.Logger) (*UDPEndpoint, error) {
	lc := listenConfig()

	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("bind udp port %d: unexpected conn type %T: %w",
			port, pc, closeErr)
	}

	return newUDPEndpoint(conn, logger), nil
}

// NewUDPEndpointFromConn wraps an existing UDP socket. Useful for tests
// binding to an ephemeral loopback port.
func NewUDPEndpointFromConn(conn *net.UDPConn, logger *slog.Logger) *UDPEndpoint {
	return newUDPEndpoint(conn, logger)
}

func newUDPEndpoint(conn *net.UDPConn, logger *slog.Logger) *UDPEndpoint {
	e := &UDPEndpoint{
		conn:   conn,
		in:     make(chan Datagram, udpBacklog),
		closed: make(chan struct{}),
		logger: logger.With(slog.String("component", "protocol.udp")),
	}
	go e.readLoop()
	return e
}

// LocalAddr returns the bound socket address.
func (e *UDPEndpoint) LocalAddr() netip.AddrPort {
	return e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// TryRead returns the next decoded datagram without blocking.
// Returns (Datagram{}, false, nil) when none is buffered. After the socket
// fails or is closed, returns the terminal error once the buffer drains.
func (e *UDPEndpoint) TryRead() (Datagram, bool, error) {
	select {
	case dg, ok := <-e.in:
		if !ok {
			if e.readErr != nil {
				return Datagram{}, false, e.readErr
			}
			return Datagram{}, false, ErrEndpointClosed
		}
		return dg, true, nil
	default:
		return Datagram{}, false, nil
	}
}

// Send encodes p and transmits it as one datagram to peer.
// Failures are per-peer: the caller logs and continues.
func (e *UDPEndpoint) Send(peer netip.AddrPort, p Packet) error {
	body, err := AppendPacket(make([]byte, 0, 256), p)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", p.Kind(), peer, err)
	}

	if _, err := e.conn.WriteToUDPAddrPort(body, peer); err != nil {
		return fmt.Errorf("send %s to %s: %w", p.Kind(), peer, err)
	}
	return nil
}

// readLoop reads and decodes datagrams until the socket fails or the
// endpoint is closed. Malformed datagrams are dropped here so the tick
// engine only ever sees valid packets.
func (e *UDPEndpoint) readLoop() {
	defer close(e.in)

	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-e.closed:
				// Local close; not an error.
			default:
				e.readErr = fmt.Errorf("udp read: %w", err)
			}
			return
		}

		pkt, err := DecodePacket(buf[:n])
		if err != nil {
			e.logger.Error("dropping malformed datagram",
				slog.String("peer", peer.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		select {
		case e.in <- Datagram{Packet: pkt, Peer: peer}:
		case <-e.closed:
			return
		}
	}
}

// Close closes the socket and reaps the reader goroutine.
func (e *UDPEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.closed)
		err = e.conn.Close()
	})
	if err != nil {
		return fmt.Errorf("close udp endpoint: %w", err)
	}
	return nil
}
