package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// TCP Framing Constants
// -------------------------------------------------------------------------

const (
	// frameHeaderSize is the uint32 big-endian body length prefix.
	frameHeaderSize = 4

	// MaxFrameSize is the largest accepted TCP frame body. Bounds per-peer
	// buffering; a peer announcing a larger frame is protocol-broken.
	MaxFrameSize = 64 << 10

	// writeTimeout bounds a single outbound frame write so a stalled peer
	// cannot wedge the tick loop. A write that cannot complete within this
	// window is a session transport fatal.
	writeTimeout = 5 * time.Second

	// channelBacklog is the per-connection inbound packet buffer. The tick
	// engine drains at most one packet per tick; when the buffer fills, the
	// reader goroutine blocks and TCP backpressure reaches the peer.
	channelBacklog = 64
)

// ErrChannelClosed indicates a read from a channel whose connection has
// been closed locally.
var ErrChannelClosed = errors.New("channel closed")

// ErrFrameTooLarge indicates a frame header announcing a body larger than
// MaxFrameSize, or an attempt to write one.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ErrEmptyFrame indicates a frame header announcing a zero-length body.
var ErrEmptyFrame = errors.New("empty frame")

// -------------------------------------------------------------------------
// Channel — framed TCP packet transport
// -------------------------------------------------------------------------

// Channel is a framed packet transport over a TCP connection.
//
// A dedicated reader goroutine decodes frames into a bounded buffer.
// TryRead never blocks: it surfaces one buffered packet, or (nil, nil)
// when no complete frame has arrived. Read blocks until a packet arrives
// or the context is done; it is used only during the handshake, before
// the session joins the tick loop.
//
// Once the connection fails, the buffered packets already decoded are
// still delivered in order; afterwards every read reports the terminal
// error. Writes and reads may run on different goroutines, but each side
// must be driven by one goroutine at a time: ownership passes from the
// handshake goroutine to the tick engine through the handoff queue.
type Channel struct {
	conn   net.Conn
	in     chan Packet
	closed chan struct{}
	once   sync.Once

	// readErr is set by the reader goroutine before in is closed.
	// Receiving the close synchronizes the write, so readers may access
	// it without further locking.
	readErr error
}

// NewChannel wraps an established TCP connection and starts its reader.
func NewChannel(conn net.Conn) *Channel {
	c := &Channel{
		conn:   conn,
		in:     make(chan Packet, channelBacklog),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// RemoteAddr returns the peer's transport address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Write encodes p and writes it as one length-prefixed frame.
// The write is bounded by writeTimeout; any error is transport fatal for
// the owning session.
func (c *Channel) Write(p Packet) error {
	body, err := AppendPacket(make([]byte, frameHeaderSize, frameHeaderSize+128), p)
	if err != nil {
		return fmt.Errorf("write %s: %w", p.Kind(), err)
	}

	n := len(body) - frameHeaderSize
	if n > MaxFrameSize {
		return fmt.Errorf("write %s: %d bytes: %w", p.Kind(), n, ErrFrameTooLarge)
	}
	binary.BigEndian.PutUint32(body[:frameHeaderSize], uint32(n))

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("write %s: set deadline: %w", p.Kind(), err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return fmt.Errorf("write %s: %w", p.Kind(), err)
	}
	return nil
}

// TryRead returns the next decoded packet without blocking.
// Returns (nil, nil) when no complete frame has arrived yet. After the
// connection fails, returns the terminal read error once all previously
// decoded packets have been drained.
func (c *Channel) TryRead() (Packet, error) {
	select {
	case pkt, ok := <-c.in:
		if !ok {
			return nil, c.terminalErr()
		}
		return pkt, nil
	default:
		return nil, nil
	}
}

// Read blocks until a packet arrives, the connection fails, or ctx is
// done. Used during the handshake only.
func (c *Channel) Read(ctx context.Context) (Packet, error) {
	select {
	case pkt, ok := <-c.in:
		if !ok {
			return nil, c.terminalErr()
		}
		return pkt, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("channel read: %w", ctx.Err())
	}
}

// terminalErr returns the error recorded by the reader goroutine.
func (c *Channel) terminalErr() error {
	if c.readErr != nil {
		return c.readErr
	}
	return ErrChannelClosed
}

// readLoop reads frames until the connection fails, delivering decoded
// packets in order. The terminal error is recorded before the inbound
// buffer is closed.
func (c *Channel) readLoop() {
	defer close(c.in)

	var header [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			c.readErr = fmt.Errorf("read frame header: %w", err)
			return
		}

		n := binary.BigEndian.Uint32(header[:])
		switch {
		case n == 0:
			c.readErr = fmt.Errorf("frame header: %w", ErrEmptyFrame)
			return
		case n > MaxFrameSize:
			c.readErr = fmt.Errorf("frame header: %d bytes: %w", n, ErrFrameTooLarge)
			return
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.readErr = fmt.Errorf("read frame body: %w", err)
			return
		}

		pkt, err := DecodePacket(body)
		if err != nil {
			c.readErr = err
			return
		}

		// The buffer can stay full forever if the consumer is gone;
		// Close must still be able to reap the reader.
		select {
		case c.in <- pkt:
		case <-c.closed:
			c.readErr = ErrChannelClosed
			return
		}
	}
}

// Close closes the underlying connection. The reader goroutine drains out
// with a closed-connection error.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	if err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}
