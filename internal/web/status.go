// Package web serves the HTTP facet advertised to clients in ServerInfo:
// a small read-only API describing the running server.
package web

import (
	"sync/atomic"

	"github.com/openrally/gorally/internal/protocol"
)

// -------------------------------------------------------------------------
// Status — roster snapshot shared with the tick engine
// -------------------------------------------------------------------------

// Status holds the last roster published by the tick engine. The engine
// never exposes its registry to other goroutines; instead it pushes a
// snapshot here on every roster delta and the HTTP handlers read that.
type Status struct {
	roster atomic.Pointer[[]protocol.PlayerEntry]
}

// NewStatus creates an empty status.
func NewStatus() *Status {
	s := &Status{}
	empty := make([]protocol.PlayerEntry, 0)
	s.roster.Store(&empty)
	return s
}

// SetRoster publishes a roster snapshot. Called on the engine goroutine;
// the slice must not be mutated afterwards.
func (s *Status) SetRoster(players []protocol.PlayerEntry) {
	s.roster.Store(&players)
}

// Roster returns the last published roster snapshot.
func (s *Status) Roster() []protocol.PlayerEntry {
	return *s.roster.Load()
}
