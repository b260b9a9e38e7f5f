// Package handshake owns the TCP accept path: the listener, the
// per-connection handshake state machine, and the bounded handoff queue
// that delivers admitted sessions to the tick engine.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/openrally/gorally/internal/identity"
	"github.com/openrally/gorally/internal/protocol"
	"github.com/openrally/gorally/internal/session"
)

// DefaultBacklog is the default handoff queue capacity. Bounds server
// memory when the tick engine falls behind: a full queue blocks the
// handshaking connection, which is the intended backpressure point.
const DefaultBacklog = 250

// -------------------------------------------------------------------------
// Reporter — metrics boundary
// -------------------------------------------------------------------------

// Reporter receives handshake outcome signals. The Prometheus collector
// implements it; noopReporter is used when none is configured.
type Reporter interface {
	HandshakeCompleted()
	HandshakeFailed(stage string)
}

type noopReporter struct{}

func (noopReporter) HandshakeCompleted()    {}
func (noopReporter) HandshakeFailed(string) {}

// -------------------------------------------------------------------------
// Acceptor
// -------------------------------------------------------------------------

// Config holds the acceptor's handshake parameters.
type Config struct {
	// TCPPort is the listening port for client control connections.
	TCPPort uint16

	// UDPPort is the advertised state traffic port. The expected client
	// UDP peer address is derived as TCP peer IP : UDPPort+1.
	UDPPort uint16

	// HTTPPort is the advertised info facet port.
	HTTPPort uint16

	// MapName is the initial map sent in LoadMap.
	MapName string
}

// Acceptor owns the listening TCP endpoint. Each accepted connection runs
// its handshake as an independent goroutine; completed sessions are
// enqueued on the bounded handoff queue consumed by the tick engine.
type Acceptor struct {
	cfg      Config
	resolver identity.Resolver
	handoff  chan *session.Session
	metrics  Reporter
	logger   *slog.Logger
}

// AcceptorOption configures optional Acceptor parameters.
type AcceptorOption func(*Acceptor)

// WithBacklog overrides the handoff queue capacity.
func WithBacklog(n int) AcceptorOption {
	return func(a *Acceptor) {
		if n > 0 {
			a.handoff = make(chan *session.Session, n)
		}
	}
}

// WithReporter sets the metrics reporter. A nil reporter is ignored.
func WithReporter(r Reporter) AcceptorOption {
	return func(a *Acceptor) {
		if r != nil {
			a.metrics = r
		}
	}
}

// NewAcceptor creates an acceptor. Run must be called to start listening.
func NewAcceptor(cfg Config, resolver identity.Resolver, logger *slog.Logger, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		cfg:      cfg,
		resolver: resolver,
		handoff:  make(chan *session.Session, DefaultBacklog),
		metrics:  noopReporter{},
		logger:   logger.With(slog.String("component", "handshake.acceptor")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Sessions returns the handoff queue's consuming side. The channel is
// closed when the acceptor stops; the tick engine treats that as fatal
// unless it is shutting down itself.
func (a *Acceptor) Sessions() <-chan *session.Session {
	return a.handoff
}

// Run binds the TCP listener and accepts connections until ctx is
// cancelled. Bind failure is infrastructure fatal. In-flight handshakes
// are abandoned on shutdown: their sockets are closed and nothing reaches
// the registry.
func (a *Acceptor) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", a.cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("bind tcp port %d: %w", a.cfg.TCPPort, err)
	}

	a.logger.Info("accepting client connections",
		slog.Uint64("tcp_port", uint64(a.cfg.TCPPort)),
	)

	// Closing the listener unblocks Accept when ctx is cancelled.
	go func() {
		<-ctx.Done()
		if cerr := ln.Close(); cerr != nil {
			a.logger.Warn("close listener", slog.String("error", cerr.Error()))
		}
	}()

	// The queue is closed only after every in-flight handshake goroutine
	// has finished, so no completion can race a send against the close.
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		close(a.handoff)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			a.runHandshake(ctx, conn)
		}()
	}
}

// runHandshake drives one connection through the handshake state machine
// and enqueues the session on success. Any failure closes the socket and
// leaves no side effects.
func (a *Acceptor) runHandshake(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	logger := a.logger.With(
		slog.String("conn_id", connID),
		slog.String("peer", conn.RemoteAddr().String()),
	)

	ch := protocol.NewChannel(conn)

	sess, err := a.negotiate(ctx, ch, logger)
	if err != nil {
		var hErr *handshakeError
		st := stageReady
		if errors.As(err, &hErr) {
			st = hErr.stage
		}
		a.metrics.HandshakeFailed(string(st))
		logger.Error("handshake failed",
			slog.String("stage", string(st)),
			slog.String("error", err.Error()),
		)
		if cerr := ch.Close(); cerr != nil {
			logger.Warn("close connection", slog.String("error", cerr.Error()))
		}
		return
	}

	// Enqueue blocks when the engine is behind; that backpressure is
	// deliberate. Abandon the session if the server is shutting down.
	select {
	case a.handoff <- sess:
		a.metrics.HandshakeCompleted()
		logger.Info("handshake complete, session queued",
			slog.Uint64("player_id", sess.PlayerID),
			slog.String("name", sess.Name),
			slog.String("udp_peer", sess.UDPAddr.String()),
		)
	case <-ctx.Done():
		if cerr := ch.Close(); cerr != nil {
			logger.Warn("close connection", slog.String("error", cerr.Error()))
		}
	}
}
