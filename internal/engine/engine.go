// Package engine implements the fixed-rate tick loop that drives session
// admission, packet dispatch, and vehicle state replication.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openrally/gorally/internal/hooks"
	"github.com/openrally/gorally/internal/protocol"
	"github.com/openrally/gorally/internal/session"
)

// TickInterval is the replication period: 50 ticks per second.
const TickInterval = 20 * time.Millisecond

// ErrHandoffClosed indicates the acceptor's side of the handoff queue was
// lost while the server was not shutting down. Unrecoverable: without the
// acceptor no new clients can ever be admitted.
var ErrHandoffClosed = errors.New("session handoff queue lost")

// -------------------------------------------------------------------------
// Reporter — metrics boundary
// -------------------------------------------------------------------------

// Reporter receives tick engine signals. The Prometheus collector
// implements it; noopReporter is used when none is configured.
type Reporter interface {
	ObserveTick(d time.Duration)
	SessionAdmitted()
	SessionRemoved(vehicles int)
	VehicleSpawned()
	PacketReceived(transport string)
	PacketSent(transport string)
	PacketDropped(reason string)
	RosterBroadcast()
}

type noopReporter struct{}

func (noopReporter) ObserveTick(time.Duration) {}
func (noopReporter) SessionAdmitted()          {}
func (noopReporter) SessionRemoved(int)        {}
func (noopReporter) VehicleSpawned()           {}
func (noopReporter) PacketReceived(string)     {}
func (noopReporter) PacketSent(string)         {}
func (noopReporter) PacketDropped(string)      {}
func (noopReporter) RosterBroadcast()          {}

// Transport label values shared with the metrics package; duplicated here
// to keep the dependency pointing from metrics to engine, not both ways.
const (
	transportTCP = "tcp"
	transportUDP = "udp"
)

// Drop reason label values.
const (
	dropUnknownPeer    = "unknown_peer"
	dropOwnership      = "ownership"
	dropStale          = "stale"
	dropUnknownVehicle = "unknown_vehicle"
	dropDecode         = "decode"
	dropUnhandled      = "unhandled"
)

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// Engine owns the registry, the shared UDP socket, and the consuming side
// of the handoff queue. Everything it touches is confined to the goroutine
// running Run; the handoff queue is the only cross-goroutine hand-off.
type Engine struct {
	registry *session.Registry
	udp      *protocol.UDPEndpoint
	handoff  <-chan *session.Session
	hooks    *hooks.Dispatcher
	metrics  Reporter
	logger   *slog.Logger

	// rosterDirty is set on admission and removal; a set flag causes one
	// PlayerData broadcast at the end of the tick.
	rosterDirty bool

	// rosterFn, when set, receives each broadcast roster. Feeds the HTTP
	// info facet without letting it touch the registry.
	rosterFn func([]protocol.PlayerEntry)
}

// Option configures optional Engine parameters.
type Option func(*Engine)

// WithReporter sets the metrics reporter. A nil reporter is ignored.
func WithReporter(r Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithRosterPublisher registers a function receiving every broadcast
// roster. Called on the engine goroutine; must not block.
func WithRosterPublisher(fn func([]protocol.PlayerEntry)) Option {
	return func(e *Engine) {
		e.rosterFn = fn
	}
}

// New creates a tick engine consuming admitted sessions from handoff.
func New(
	registry *session.Registry,
	udp *protocol.UDPEndpoint,
	handoff <-chan *session.Session,
	dispatcher *hooks.Dispatcher,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry: registry,
		udp:      udp,
		handoff:  handoff,
		hooks:    dispatcher,
		metrics:  noopReporter{},
		logger:   logger.With(slog.String("component", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the tick loop until ctx is cancelled or the handoff queue is
// lost. The tick body runs concurrently with the interval timer: a body
// that overruns the interval is never aborted, and the next tick starts
// immediately after it (delay policy, no catch-up bursts).
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("tick engine running",
		slog.Duration("interval", TickInterval),
	)

	defer e.closeAllSessions()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		err := e.tick()
		e.metrics.ObserveTick(time.Since(start))

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("tick engine stopping", slog.String("error", err.Error()))
			return err
		}

		select {
		case <-ctx.Done():
			e.logger.Info("tick engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// closeAllSessions tears down every remaining session at shutdown.
func (e *Engine) closeAllSessions() {
	for _, s := range e.registry.All() {
		if _, ok := e.registry.Remove(s.PlayerID); ok {
			if err := s.Channel.Close(); err != nil {
				e.logger.Warn("close session channel",
					slog.Uint64("player_id", s.PlayerID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// teardown finishes the removal of a session already unlinked from the
// registry: closes the transport, fires the departure hook, and marks the
// roster dirty.
func (e *Engine) teardown(s *session.Session, reason string) {
	if err := s.Channel.Close(); err != nil {
		e.logger.Warn("close session channel",
			slog.Uint64("player_id", s.PlayerID),
			slog.String("error", err.Error()),
		)
	}

	e.hooks.PlayerLeave(s.PlayerID, s.Name)
	e.metrics.SessionRemoved(s.Vehicles().Len())
	e.rosterDirty = true

	e.logger.Info("session removed",
		slog.Uint64("player_id", s.PlayerID),
		slog.String("name", s.Name),
		slog.String("reason", reason),
	)
}

// dropSession removes s from the registry and tears it down. A session
// already displaced or removed this tick is left alone.
func (e *Engine) dropSession(s *session.Session, reason string) {
	cur, ok := e.registry.Lookup(s.PlayerID)
	if !ok || cur != s {
		return
	}
	if _, ok := e.registry.Remove(s.PlayerID); ok {
		e.teardown(s, reason)
	}
}

// finishRemovals tears down sessions a broadcast already removed from the
// registry.
func (e *Engine) finishRemovals(removed []*session.Session, reason string) {
	for _, s := range removed {
		e.teardown(s, reason)
	}
}
