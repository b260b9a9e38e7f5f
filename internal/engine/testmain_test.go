package engine

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks that no transport reader goroutines leak from the
// hand-driven tick tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
