package session

import (
	"log/slog"
	"net/netip"
	"sort"

	"github.com/openrally/gorally/internal/protocol"
)

// -------------------------------------------------------------------------
// Registry — canonical table of admitted sessions
// -------------------------------------------------------------------------

// Registry is the canonical table of active sessions, indexed by player id
// with a reverse index by expected UDP peer address.
//
// The registry is confined to the tick engine goroutine; no locking. All
// mutation during iteration follows the collect-then-apply pattern:
// broadcast and drain loops record failed sessions and remove them after
// the iteration completes.
type Registry struct {
	sessions map[uint64]*Session
	byUDP    map[netip.AddrPort]uint64
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		byUDP:    make(map[netip.AddrPort]uint64),
		logger:   logger.With(slog.String("component", "session.registry")),
	}
}

// Insert adds s to the registry. If a session with the same player id is
// already present, the earlier one is displaced and returned so the caller
// can tear it down; its indexes are unlinked here. A displaced session's
// UDP address mapping never survives the displacement.
func (r *Registry) Insert(s *Session) *Session {
	displaced, had := r.sessions[s.PlayerID]
	if had {
		delete(r.byUDP, displaced.UDPAddr)
		r.logger.Warn("player id collision, displacing earlier session",
			slog.Uint64("player_id", s.PlayerID),
			slog.String("name", s.Name),
		)
	}

	r.sessions[s.PlayerID] = s
	r.byUDP[s.UDPAddr] = s.PlayerID

	if had {
		return displaced
	}
	return nil
}

// Remove unlinks the session with the given player id from both indexes.
// The UDP index entry is removed only if it still points at this session.
func (r *Registry) Remove(playerID uint64) (*Session, bool) {
	s, ok := r.sessions[playerID]
	if !ok {
		return nil, false
	}

	delete(r.sessions, playerID)
	if owner, ok := r.byUDP[s.UDPAddr]; ok && owner == playerID {
		delete(r.byUDP, s.UDPAddr)
	}
	return s, true
}

// Lookup returns the session with the given player id.
func (r *Registry) Lookup(playerID uint64) (*Session, bool) {
	s, ok := r.sessions[playerID]
	return s, ok
}

// LookupByUDP resolves a datagram's source address to its session.
// An unknown address returns false; the datagram is dropped by the caller.
func (r *Registry) LookupByUDP(addr netip.AddrPort) (*Session, bool) {
	playerID, ok := r.byUDP[addr]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[playerID]
	return s, ok
}

// Len returns the number of admitted sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// All returns the admitted sessions ordered by player id. The slice is a
// snapshot; the pointed-to sessions are live.
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// Roster returns the roster entries for all admitted sessions, ordered by
// player id.
func (r *Registry) Roster() []protocol.PlayerEntry {
	all := r.All()
	out := make([]protocol.PlayerEntry, 0, len(all))
	for _, s := range all {
		out = append(out, s.RosterEntry())
	}
	return out
}

// Broadcast writes p on every session's TCP channel. Sessions whose write
// fails are removed after the iteration completes and returned so the
// caller can close them and fire departure hooks.
func (r *Registry) Broadcast(p protocol.Packet) []*Session {
	return r.BroadcastExcept(p, nil)
}

// BroadcastExcept is Broadcast with one excluded player id.
func (r *Registry) BroadcastExcept(p protocol.Packet, exclude *uint64) []*Session {
	var failed []uint64
	for _, s := range r.All() {
		if exclude != nil && s.PlayerID == *exclude {
			continue
		}
		if err := s.Channel.Write(p); err != nil {
			r.logger.Error("broadcast write failed, marking session for removal",
				slog.Uint64("player_id", s.PlayerID),
				slog.String("kind", p.Kind().String()),
				slog.String("error", err.Error()),
			)
			failed = append(failed, s.PlayerID)
		}
	}

	removed := make([]*Session, 0, len(failed))
	for _, id := range failed {
		if s, ok := r.Remove(id); ok {
			removed = append(removed, s)
		}
	}
	return removed
}
