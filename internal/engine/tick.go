package engine

import (
	"fmt"
	"log/slog"

	"github.com/openrally/gorally/internal/protocol"
	"github.com/openrally/gorally/internal/session"
)

// -------------------------------------------------------------------------
// Tick Body
// -------------------------------------------------------------------------

// inbound pairs a dispatched packet with the session it arrived on.
type inbound struct {
	sender *session.Session
	pkt    protocol.Packet
}

// tick executes one iteration of the replication loop:
//
//  1. Admit sessions waiting on the handoff queue (non-blocking).
//  2. Drain at most one buffered TCP packet per session.
//  3. Drain the shared UDP socket until it would block.
//  4. Dispatch the collected TCP packets.
//  5. Dispatch the collected UDP packets.
//  6. Replicate per-vehicle state to all other synced sessions.
//  7. Broadcast a roster delta if the roster changed.
//
// Packet dispatch happens only after the drains complete so removal never
// races the iteration (collect-then-apply, same as broadcasts).
func (e *Engine) tick() error {
	if err := e.admit(); err != nil {
		return err
	}

	tcpIn := e.drainTCP()

	udpIn, err := e.drainUDP()
	if err != nil {
		return err
	}

	for _, in := range tcpIn {
		e.dispatchTCP(in)
	}
	for _, in := range udpIn {
		e.dispatchUDP(in)
	}

	e.replicate()
	e.flushRoster()

	return nil
}

// -------------------------------------------------------------------------
// Step 1 — Admission
// -------------------------------------------------------------------------

// admit drains the handoff queue without blocking. Each admitted session
// is inserted into the registry, its auth hook fires, and the roster is
// marked dirty. A closed queue is unrecoverable.
func (e *Engine) admit() error {
	for {
		select {
		case s, ok := <-e.handoff:
			if !ok {
				return ErrHandoffClosed
			}
			e.admitSession(s)
		default:
			return nil
		}
	}
}

func (e *Engine) admitSession(s *session.Session) {
	// A colliding player id displaces the earlier session; the launcher
	// reconnecting before its old socket times out is the usual cause.
	if displaced := e.registry.Insert(s); displaced != nil {
		e.teardown(displaced, "displaced by new session")
	}

	e.hooks.PlayerAuth(s.PlayerID, s.Name)
	e.metrics.SessionAdmitted()
	e.rosterDirty = true

	e.logger.Info("session admitted",
		slog.Uint64("player_id", s.PlayerID),
		slog.String("name", s.Name),
		slog.String("udp_peer", s.UDPAddr.String()),
	)
}

// -------------------------------------------------------------------------
// Step 2 — TCP Drain
// -------------------------------------------------------------------------

// drainTCP reads at most one buffered packet from every session. Sessions
// whose transport failed are removed after the iteration completes; the
// collected packets are dispatched later.
func (e *Engine) drainTCP() []inbound {
	var in []inbound
	var dead []*session.Session

	for _, s := range e.registry.All() {
		pkt, err := s.Channel.TryRead()
		if err != nil {
			e.logger.Error("session tcp read failed",
				slog.Uint64("player_id", s.PlayerID),
				slog.String("error", err.Error()),
			)
			dead = append(dead, s)
			continue
		}
		if pkt != nil {
			e.metrics.PacketReceived(transportTCP)
			in = append(in, inbound{sender: s, pkt: pkt})
		}
	}

	for _, s := range dead {
		e.dropSession(s, "tcp read error")
	}

	return in
}

// -------------------------------------------------------------------------
// Step 3 — UDP Drain
// -------------------------------------------------------------------------

// drainUDP reads datagrams from the shared socket until it would block.
// Datagrams from unknown peer addresses are dropped silently. A failed
// socket is infrastructure fatal: without it no state can be replicated.
func (e *Engine) drainUDP() ([]inbound, error) {
	var in []inbound

	for {
		dg, ok, err := e.udp.TryRead()
		if err != nil {
			return nil, fmt.Errorf("udp endpoint: %w", err)
		}
		if !ok {
			return in, nil
		}

		sender, found := e.registry.LookupByUDP(dg.Peer)
		if !found {
			e.metrics.PacketDropped(dropUnknownPeer)
			continue
		}

		e.metrics.PacketReceived(transportUDP)
		in = append(in, inbound{sender: sender, pkt: dg.Packet})
	}
}

// -------------------------------------------------------------------------
// Step 4 — TCP Dispatch
// -------------------------------------------------------------------------

// dispatchTCP routes one control packet. The sender may have been removed
// or displaced between drain and dispatch; such packets are discarded.
func (e *Engine) dispatchTCP(in inbound) {
	if !e.stillRegistered(in.sender) {
		return
	}

	switch p := in.pkt.(type) {
	case *protocol.VehicleSpawn:
		e.handleSpawn(in.sender, p)
	default:
		e.logger.Debug("ignoring unhandled tcp packet",
			slog.Uint64("player_id", in.sender.PlayerID),
			slog.String("kind", in.pkt.Kind().String()),
		)
		e.metrics.PacketDropped(dropUnhandled)
	}
}

// handleSpawn allocates a vehicle id for the owner, confirms the spawn to
// them, and rebroadcasts the spawn with the allocated id to everyone else.
// A failed confirm write suppresses the broadcast and removes the owner.
// Id exhaustion refuses the spawn without kicking.
func (e *Engine) handleSpawn(owner *session.Session, p *protocol.VehicleSpawn) {
	vid, ok := owner.Vehicles().Add(p.ObjectID, p.Config)
	if !ok {
		e.logger.Warn("vehicle id space exhausted, refusing spawn",
			slog.Uint64("player_id", owner.PlayerID),
			slog.Uint64("object_id", uint64(p.ObjectID)),
		)
		return
	}
	e.metrics.VehicleSpawned()

	confirm := &protocol.VehicleConfirm{
		ConfirmID: p.ConfirmID,
		VehicleID: vid,
		ObjID:     p.ObjectID,
	}
	if err := owner.Channel.Write(confirm); err != nil {
		e.logger.Error("spawn confirm write failed",
			slog.Uint64("player_id", owner.PlayerID),
			slog.String("error", err.Error()),
		)
		e.dropSession(owner, "tcp write error")
		return
	}
	e.metrics.PacketSent(transportTCP)

	e.logger.Debug("vehicle spawned",
		slog.Uint64("player_id", owner.PlayerID),
		slog.Uint64("vehicle_id", uint64(vid)),
		slog.Uint64("object_id", uint64(p.ObjectID)),
	)

	announce := &protocol.VehicleSpawn{
		ConfirmID: p.ConfirmID,
		VehicleID: vid,
		ObjectID:  p.ObjectID,
		Config:    p.Config,
	}
	receivers := e.registry.Len() - 1
	removed := e.registry.BroadcastExcept(announce, &owner.PlayerID)
	for range receivers - len(removed) {
		e.metrics.PacketSent(transportTCP)
	}
	e.finishRemovals(removed, "tcp write error")
}

// -------------------------------------------------------------------------
// Step 5 — UDP Dispatch
// -------------------------------------------------------------------------

// dispatchUDP routes one state packet, enforcing ownership and freshness.
// All rejections are silent except transform decode failures, which log
// at error level.
func (e *Engine) dispatchUDP(in inbound) {
	if !e.stillRegistered(in.sender) {
		return
	}

	switch p := in.pkt.(type) {
	case *protocol.VehicleTransform:
		e.handleTransform(in.sender, p)
	case *protocol.VehicleUpdate:
		e.handleRuntime(in.sender, p)
	default:
		e.logger.Debug("dropping unhandled udp packet",
			slog.Uint64("player_id", in.sender.PlayerID),
			slog.String("kind", in.pkt.Kind().String()),
		)
		e.metrics.PacketDropped(dropUnhandled)
	}
}

func (e *Engine) handleTransform(sender *session.Session, p *protocol.VehicleTransform) {
	if p.PlayerID != sender.PlayerID {
		e.metrics.PacketDropped(dropOwnership)
		return
	}

	rec, err := protocol.DecodeTransform(p.Transform)
	if err != nil {
		e.logger.Error("dropping undecodable transform",
			slog.Uint64("player_id", sender.PlayerID),
			slog.Uint64("vehicle_id", uint64(p.VehicleID)),
			slog.String("error", err.Error()),
		)
		e.metrics.PacketDropped(dropDecode)
		return
	}

	if !sender.Vehicles().UpdateTransform(p.VehicleID, rec) {
		e.dropStateUpdate(sender, p.VehicleID)
	}
}

func (e *Engine) handleRuntime(sender *session.Session, p *protocol.VehicleUpdate) {
	if p.PlayerID != sender.PlayerID {
		e.metrics.PacketDropped(dropOwnership)
		return
	}

	if !sender.Vehicles().UpdateRuntime(p.VehicleID, p.Ms, p.Data) {
		e.dropStateUpdate(sender, p.VehicleID)
	}
}

// dropStateUpdate records why a state update was rejected: unknown vehicle
// id or a stale timestamp.
func (e *Engine) dropStateUpdate(sender *session.Session, vid uint16) {
	if _, known := sender.Vehicles().Get(vid); !known {
		e.metrics.PacketDropped(dropUnknownVehicle)
		return
	}
	e.metrics.PacketDropped(dropStale)
}

// stillRegistered reports whether s is still the registered session for
// its player id.
func (e *Engine) stillRegistered(s *session.Session) bool {
	cur, ok := e.registry.Lookup(s.PlayerID)
	return ok && cur == s
}

// -------------------------------------------------------------------------
// Step 6 — Replication
// -------------------------------------------------------------------------

// replicate fans every vehicle's newest transform and runtime records out
// to every other synced session over UDP. Records with a zero timestamp
// are absent and suppressed. Send failures log and continue; UDP loss
// never removes a session.
func (e *Engine) replicate() {
	all := e.registry.All()
	if len(all) < 2 {
		return
	}

	for _, src := range all {
		for _, v := range src.Vehicles().All() {
			if v.Transform.Ms > 0 {
				e.replicateTransform(all, src, v)
			}
			if v.Runtime.Ms > 0 {
				e.fanOut(all, src.PlayerID, &protocol.VehicleUpdate{
					PlayerID:  src.PlayerID,
					VehicleID: v.ID,
					Ms:        v.Runtime.Ms,
					Data:      v.Runtime.Data,
				})
			}
		}
	}
}

func (e *Engine) replicateTransform(all []*session.Session, src *session.Session, v *session.Vehicle) {
	enc, err := protocol.EncodeTransform(v.Transform)
	if err != nil {
		e.logger.Error("transform record not encodable, skipping",
			slog.Uint64("player_id", src.PlayerID),
			slog.Uint64("vehicle_id", uint64(v.ID)),
			slog.String("error", err.Error()),
		)
		return
	}

	e.fanOut(all, src.PlayerID, &protocol.VehicleTransform{
		PlayerID:  src.PlayerID,
		VehicleID: v.ID,
		Transform: enc,
	})
}

// fanOut sends p to every synced session except the owner.
func (e *Engine) fanOut(all []*session.Session, owner uint64, p protocol.Packet) {
	for _, dst := range all {
		if dst.PlayerID == owner || !dst.Synced {
			continue
		}
		if err := e.udp.Send(dst.UDPAddr, p); err != nil {
			e.logger.Warn("udp send failed",
				slog.Uint64("player_id", dst.PlayerID),
				slog.String("peer", dst.UDPAddr.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.metrics.PacketSent(transportUDP)
	}
}

// -------------------------------------------------------------------------
// Step 7 — Roster Delta
// -------------------------------------------------------------------------

// flushRoster broadcasts a PlayerData packet listing every admitted player
// when the roster changed this tick, then marks all recipients synced.
// Write failures during the broadcast remove those sessions and leave the
// flag set so the shrunken roster goes out next tick.
func (e *Engine) flushRoster() {
	if !e.rosterDirty {
		return
	}
	e.rosterDirty = false

	roster := e.registry.Roster()
	removed := e.registry.Broadcast(&protocol.PlayerData{Players: roster})
	e.metrics.RosterBroadcast()
	for range e.registry.Len() {
		e.metrics.PacketSent(transportTCP)
	}

	for _, s := range e.registry.All() {
		s.Synced = true
	}

	if e.rosterFn != nil {
		e.rosterFn(roster)
	}

	// finishRemovals re-marks the roster dirty when a write failed.
	e.finishRemovals(removed, "tcp write error")
}
