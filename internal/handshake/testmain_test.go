package handshake

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks that handshake goroutines and channel readers are reaped.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
