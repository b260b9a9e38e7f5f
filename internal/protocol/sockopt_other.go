//go:build !linux

package protocol

import "net"

// listenConfig returns the stock ListenConfig on platforms where the
// server's UDP socket options are not applied.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
