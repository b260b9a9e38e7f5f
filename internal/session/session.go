package session

import (
	"net/netip"

	"github.com/openrally/gorally/internal/protocol"
)

// -------------------------------------------------------------------------
// Session — one admitted client
// -------------------------------------------------------------------------

// Session is an admitted, handshake-complete client: the reliable TCP
// channel plus the expected UDP peer the client's physics traffic will
// arrive from.
//
// A Session is built by the acceptor once the handshake reaches Ready and
// handed to the tick engine through the bounded queue. From admission on,
// only the tick engine touches it. It is destroyed when either transport
// reports an unrecoverable error during a drain or broadcast.
type Session struct {
	// PlayerID is the resolved player identity, unique per session.
	PlayerID uint64

	// Name is the player's display name.
	Name string

	// AvatarHash identifies the player's avatar image.
	AvatarHash string

	// Channel is the client's framed TCP transport.
	Channel *protocol.Channel

	// UDPAddr is the expected UDP peer, derived from the TCP peer's IP
	// and the configured UDP port plus one. It is the only identifier
	// used to correlate UDP traffic with this player.
	UDPAddr netip.AddrPort

	// Synced is set once the first roster delta has been delivered to
	// this client. Vehicle state is replicated only to synced sessions;
	// a client still loading the map has nothing to apply it to.
	Synced bool

	vehicles *VehicleStore
}

// New creates a session ready for admission.
func New(playerID uint64, name, avatarHash string, ch *protocol.Channel, udpAddr netip.AddrPort) *Session {
	return &Session{
		PlayerID:   playerID,
		Name:       name,
		AvatarHash: avatarHash,
		Channel:    ch,
		UDPAddr:    udpAddr,
		vehicles:   NewVehicleStore(),
	}
}

// Vehicles returns the session's vehicle store.
func (s *Session) Vehicles() *VehicleStore {
	return s.vehicles
}

// RosterEntry returns the session's roster representation.
func (s *Session) RosterEntry() protocol.PlayerEntry {
	return protocol.PlayerEntry{
		Name:       s.Name,
		PlayerID:   s.PlayerID,
		AvatarHash: s.AvatarHash,
	}
}
