package handshake

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/openrally/gorally/internal/protocol"
	"github.com/openrally/gorally/internal/session"
)

// -------------------------------------------------------------------------
// Handshake State Machine
// -------------------------------------------------------------------------

// stage names the handshake states for logging and failure metrics.
type stage string

const (
	stageAwaitVersion   stage = "await_version"
	stageAwaitAuth      stage = "await_auth"
	stageSendMap        stage = "send_map"
	stageAwaitMapLoaded stage = "await_map_loaded"
	stageReady          stage = "ready"
)

// Sentinel errors for handshake failures.
var (
	// ErrUnexpectedPacket indicates a packet of the wrong kind for the
	// current state.
	ErrUnexpectedPacket = errors.New("unexpected packet kind")

	// ErrConfirmMismatch indicates a Confirmation echoing the wrong id.
	ErrConfirmMismatch = errors.New("confirmation id mismatch")

	// ErrBadPeerAddr indicates a TCP peer address the UDP peer cannot be
	// derived from.
	ErrBadPeerAddr = errors.New("peer address is not tcp")
)

// handshakeError tags a failure with the state it occurred in.
type handshakeError struct {
	stage stage
	err   error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *handshakeError) Unwrap() error {
	return e.err
}

func failAt(s stage, err error) error {
	return &handshakeError{stage: s, err: err}
}

// kickReasonAuth is sent to clients whose auth code the login service
// refuses.
const kickReasonAuth = "Failed to authenticate!"

// negotiate drives the handshake state machine:
//
//	AwaitVersion -> AwaitAuth -> AwaitMapLoaded -> Ready
//
// Any I/O failure, decode failure, or wrong packet kind is terminal; the
// caller closes the socket. On auth failure a PlayerKick is written first
// on a best-effort basis. No registry side effects are left behind.
func (a *Acceptor) negotiate(ctx context.Context, ch *protocol.Channel, logger *slog.Logger) (*session.Session, error) {
	// AwaitVersion: the client announces its version; compatibility
	// checking is reserved, mismatch is not yet fatal.
	ver, err := readAs[*protocol.Version](ctx, ch, stageAwaitVersion)
	if err != nil {
		return nil, err
	}
	logger.Debug("client version announced",
		slog.String("client_version", ver.ClientVersion),
	)
	if err := ch.Write(&protocol.Confirmation{ConfirmID: ver.ConfirmID}); err != nil {
		return nil, failAt(stageAwaitVersion, err)
	}

	// AwaitAuth: resolve the auth code to a player identity. The
	// connection stays open while the resolver runs; the resolver owns
	// the timeout.
	auth, err := readAs[*protocol.Authentication](ctx, ch, stageAwaitAuth)
	if err != nil {
		return nil, err
	}

	ident, err := a.resolver.Resolve(ctx, auth.AuthCode)
	if err != nil {
		if kerr := ch.Write(&protocol.PlayerKick{Reason: kickReasonAuth}); kerr != nil {
			logger.Warn("write auth kick", slog.String("error", kerr.Error()))
		}
		return nil, failAt(stageAwaitAuth, fmt.Errorf("resolve identity: %w", err))
	}

	if err := ch.Write(&protocol.Confirmation{ConfirmID: auth.ConfirmID}); err != nil {
		return nil, failAt(stageAwaitAuth, err)
	}

	// Send ServerInfo then LoadMap with a fresh confirm tag the client
	// must echo once the map is loaded.
	if err := ch.Write(&protocol.ServerInfo{
		HTTPPort: a.cfg.HTTPPort,
		UDPPort:  a.cfg.UDPPort,
	}); err != nil {
		return nil, failAt(stageSendMap, err)
	}

	tag, err := confirmTag()
	if err != nil {
		return nil, failAt(stageSendMap, err)
	}

	if err := ch.Write(&protocol.LoadMap{ConfirmID: tag, MapName: a.cfg.MapName}); err != nil {
		return nil, failAt(stageSendMap, err)
	}

	// AwaitMapLoaded: the echoed tag must match.
	conf, err := readAs[*protocol.Confirmation](ctx, ch, stageAwaitMapLoaded)
	if err != nil {
		return nil, err
	}
	if conf.ConfirmID != tag {
		return nil, failAt(stageAwaitMapLoaded, fmt.Errorf(
			"got %d, want %d: %w", conf.ConfirmID, tag, ErrConfirmMismatch))
	}

	// Ready: derive the expected UDP peer and build the session.
	udpAddr, err := deriveUDPPeer(ch.RemoteAddr(), a.cfg.UDPPort)
	if err != nil {
		return nil, failAt(stageReady, err)
	}

	return session.New(ident.PlayerID, ident.Name, ident.AvatarHash, ch, udpAddr), nil
}

// readAs reads one packet and requires it to be of kind T.
func readAs[T protocol.Packet](ctx context.Context, ch *protocol.Channel, s stage) (T, error) {
	var zero T

	pkt, err := ch.Read(ctx)
	if err != nil {
		return zero, failAt(s, err)
	}

	typed, ok := pkt.(T)
	if !ok {
		return zero, failAt(s, fmt.Errorf("got %s: %w", pkt.Kind(), ErrUnexpectedPacket))
	}
	return typed, nil
}

// confirmTag generates a random 32-bit confirmation tag for LoadMap.
func confirmTag() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate confirm tag: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// deriveUDPPeer computes the expected UDP peer address from the TCP peer:
// same IP, port udpPort+1. This address is the only identifier used to
// correlate UDP traffic with the session. Fragile behind NAT, where the
// client's UDP source may differ; known limitation of the protocol.
func deriveUDPPeer(remote net.Addr, udpPort uint16) (netip.AddrPort, error) {
	tcpAddr, ok := remote.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%T: %w", remote, ErrBadPeerAddr)
	}

	ip := tcpAddr.AddrPort().Addr().Unmap()
	return netip.AddrPortFrom(ip, udpPort+1), nil
}
