//go:build linux

package protocol

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// udpRecvBufSize is the requested kernel receive buffer for the shared UDP
// socket. Physics traffic from every client lands on one socket; the stock
// default drops bursts when many vehicles update in the same tick.
const udpRecvBufSize = 4 << 20

// listenConfig returns a ListenConfig that applies the server's UDP socket
// options: SO_REUSEADDR for fast restart and an enlarged receive buffer.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setUDPSockOpts(c)
		},
	}
}

// setUDPSockOpts applies socket options on the raw fd.
func setUDPSockOpts(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		intFD := int(fd)

		if err := unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}

		if err := unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_RCVBUF, udpRecvBufSize); err != nil {
			sockErr = fmt.Errorf("set SO_RCVBUF: %w", err)
			return
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}
