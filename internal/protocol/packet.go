// Package protocol implements the gorally wire protocol.
//
// This includes the closed set of tagged packet variants exchanged between
// launcher clients and the server, the length-prefixed TCP framing, and the
// datagram-per-packet UDP encoding. Reliable control traffic (handshake,
// spawns, roster) travels over TCP; unreliable physics state travels over UDP.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Packet Kinds
// -------------------------------------------------------------------------

// Kind identifies a packet variant on the wire. It is the first byte of
// every TCP frame body and every UDP datagram.
type Kind uint8

const (
	// KindVersion is the client's protocol/client version announcement.
	// First packet of the handshake.
	KindVersion Kind = 1

	// KindAuthentication carries the client's auth code for identity
	// resolution. Second packet of the handshake.
	KindAuthentication Kind = 2

	// KindConfirmation acknowledges a request by echoing its confirm id.
	// Sent by both sides.
	KindConfirmation Kind = 3

	// KindServerInfo advertises the server's HTTP and UDP ports.
	KindServerInfo Kind = 4

	// KindLoadMap instructs the client to load a map and confirm with the
	// carried confirm id.
	KindLoadMap Kind = 5

	// KindPlayerKick informs the client it is being disconnected.
	KindPlayerKick Kind = 6

	// KindPlayerData is the roster delta: the full list of admitted players.
	KindPlayerData Kind = 7

	// KindVehicleSpawn requests (client to server) or announces (server to
	// other clients) a vehicle spawn.
	KindVehicleSpawn Kind = 8

	// KindVehicleConfirm acknowledges a spawn to its owner, carrying the
	// allocated vehicle id.
	KindVehicleConfirm Kind = 9

	// KindVehicleTransform carries a vehicle's kinematic state (UDP).
	KindVehicleTransform Kind = 10

	// KindVehicleUpdate carries a vehicle's opaque runtime state (UDP).
	KindVehicleUpdate Kind = 11
)

// kindNames maps packet kinds to human-readable strings.
var kindNames = map[Kind]string{
	KindVersion:          "Version",
	KindAuthentication:   "Authentication",
	KindConfirmation:     "Confirmation",
	KindServerInfo:       "ServerInfo",
	KindLoadMap:          "LoadMap",
	KindPlayerKick:       "PlayerKick",
	KindPlayerData:       "PlayerData",
	KindVehicleSpawn:     "VehicleSpawn",
	KindVehicleConfirm:   "VehicleConfirm",
	KindVehicleTransform: "VehicleTransform",
	KindVehicleUpdate:    "VehicleUpdate",
}

// String returns the human-readable name for the packet kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// -------------------------------------------------------------------------
// Packet — closed sum of wire variants
// -------------------------------------------------------------------------

// Packet is the closed sum of all wire variants. Dispatch is by kind switch;
// the unexported appendBody method seals the set so no packet kinds can be
// defined outside this package.
type Packet interface {
	// Kind returns the variant tag.
	Kind() Kind

	// appendBody appends the variant's fields (excluding the kind byte)
	// to dst and returns the extended slice.
	appendBody(dst []byte) []byte
}

// Version is the client's opening handshake packet.
type Version struct {
	ClientVersion string
	ConfirmID     uint32
}

// Authentication carries the client's auth code.
type Authentication struct {
	AuthCode  string
	ConfirmID uint32
}

// Confirmation acknowledges a request by echoing its confirm id.
type Confirmation struct {
	ConfirmID uint32
}

// ServerInfo advertises the server's auxiliary ports to a client.
type ServerInfo struct {
	HTTPPort uint16
	UDPPort  uint16
}

// LoadMap instructs the client to load map MapName and reply with a
// Confirmation echoing ConfirmID.
type LoadMap struct {
	ConfirmID uint32
	MapName   string
}

// PlayerKick informs a client it is being disconnected.
type PlayerKick struct {
	Reason string
}

// PlayerEntry is one player in a roster delta.
type PlayerEntry struct {
	Name       string
	PlayerID   uint64
	AvatarHash string
}

// PlayerData is the roster delta: all currently admitted players.
type PlayerData struct {
	Players []PlayerEntry
}

// VehicleSpawn requests a vehicle spawn (VehicleID ignored on the request)
// or, rebroadcast by the server with VehicleID rewritten, announces the
// spawn to other clients. Config is the opaque creation descriptor.
type VehicleSpawn struct {
	ConfirmID uint32
	VehicleID uint16
	ObjectID  uint32
	Config    string
}

// VehicleConfirm acknowledges a spawn to its owner.
type VehicleConfirm struct {
	ConfirmID uint32
	VehicleID uint16
	ObjID     uint32
}

// VehicleTransform carries a vehicle's kinematic state. Transform is a
// JSON-encoded TransformRecord (see DecodeTransform); the nested encoding
// is kept verbatim for wire compatibility.
type VehicleTransform struct {
	PlayerID  uint64
	VehicleID uint16
	Transform string
}

// VehicleUpdate carries a vehicle's opaque runtime state with its own
// monotonic timestamp.
type VehicleUpdate struct {
	PlayerID  uint64
	VehicleID uint16
	Ms        uint32
	Data      []byte
}

// Kind implementations.

func (*Version) Kind() Kind          { return KindVersion }
func (*Authentication) Kind() Kind   { return KindAuthentication }
func (*Confirmation) Kind() Kind     { return KindConfirmation }
func (*ServerInfo) Kind() Kind       { return KindServerInfo }
func (*LoadMap) Kind() Kind          { return KindLoadMap }
func (*PlayerKick) Kind() Kind       { return KindPlayerKick }
func (*PlayerData) Kind() Kind       { return KindPlayerData }
func (*VehicleSpawn) Kind() Kind     { return KindVehicleSpawn }
func (*VehicleConfirm) Kind() Kind   { return KindVehicleConfirm }
func (*VehicleTransform) Kind() Kind { return KindVehicleTransform }
func (*VehicleUpdate) Kind() Kind    { return KindVehicleUpdate }

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// Field encoding: big-endian integers; strings and blobs are prefixed with
// a uint16 byte length.

// Sentinel errors for packet decoding.
var (
	// ErrUnknownKind indicates a body with an unrecognized kind byte.
	ErrUnknownKind = errors.New("unknown packet kind")

	// ErrTruncatedPacket indicates a body shorter than its fields require.
	ErrTruncatedPacket = errors.New("truncated packet body")

	// ErrTrailingBytes indicates a body longer than its fields require.
	ErrTrailingBytes = errors.New("trailing bytes after packet body")

	// ErrStringTooLong indicates a string or blob field exceeding the
	// uint16 length prefix.
	ErrStringTooLong = errors.New("string field exceeds 65535 bytes")
)

func appendU16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func appendU64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// appendBytes appends a uint16 length prefix followed by b. Inputs longer
// than 65535 bytes are rejected by AppendPacket's validateLengths check
// before any body is appended, so the uint16 conversion here cannot
// truncate.
func appendBytes(dst, b []byte) []byte {
	dst = appendU16(dst, uint16(len(b)))
	return append(dst, b...)
}

func appendString(dst []byte, s string) []byte {
	dst = appendU16(dst, uint16(len(s)))
	return append(dst, s...)
}

func (p *Version) appendBody(dst []byte) []byte {
	dst = appendString(dst, p.ClientVersion)
	return appendU32(dst, p.ConfirmID)
}

func (p *Authentication) appendBody(dst []byte) []byte {
	dst = appendString(dst, p.AuthCode)
	return appendU32(dst, p.ConfirmID)
}

func (p *Confirmation) appendBody(dst []byte) []byte {
	return appendU32(dst, p.ConfirmID)
}

func (p *ServerInfo) appendBody(dst []byte) []byte {
	dst = appendU16(dst, p.HTTPPort)
	return appendU16(dst, p.UDPPort)
}

func (p *LoadMap) appendBody(dst []byte) []byte {
	dst = appendU32(dst, p.ConfirmID)
	return appendString(dst, p.MapName)
}

func (p *PlayerKick) appendBody(dst []byte) []byte {
	return appendString(dst, p.Reason)
}

func (p *PlayerData) appendBody(dst []byte) []byte {
	dst = appendU16(dst, uint16(len(p.Players)))
	for _, pl := range p.Players {
		dst = appendString(dst, pl.Name)
		dst = appendU64(dst, pl.PlayerID)
		dst = appendString(dst, pl.AvatarHash)
	}
	return dst
}

func (p *VehicleSpawn) appendBody(dst []byte) []byte {
	dst = appendU32(dst, p.ConfirmID)
	dst = appendU16(dst, p.VehicleID)
	dst = appendU32(dst, p.ObjectID)
	return appendString(dst, p.Config)
}

func (p *VehicleConfirm) appendBody(dst []byte) []byte {
	dst = appendU32(dst, p.ConfirmID)
	dst = appendU16(dst, p.VehicleID)
	return appendU32(dst, p.ObjID)
}

func (p *VehicleTransform) appendBody(dst []byte) []byte {
	dst = appendU64(dst, p.PlayerID)
	dst = appendU16(dst, p.VehicleID)
	return appendString(dst, p.Transform)
}

func (p *VehicleUpdate) appendBody(dst []byte) []byte {
	dst = appendU64(dst, p.PlayerID)
	dst = appendU16(dst, p.VehicleID)
	dst = appendU32(dst, p.Ms)
	return appendBytes(dst, p.Data)
}

// AppendPacket appends the encoded body (kind byte plus fields) of p to dst.
// Returns an error if any variable-length field exceeds the uint16 prefix.
func AppendPacket(dst []byte, p Packet) ([]byte, error) {
	if err := validateLengths(p); err != nil {
		return dst, err
	}
	dst = append(dst, byte(p.Kind()))
	return p.appendBody(dst), nil
}

// validateLengths rejects variable-length fields that cannot be represented
// with a uint16 length prefix.
func validateLengths(p Packet) error {
	check := func(field string, n int) error {
		if n > 0xFFFF {
			return fmt.Errorf("%s %s: %d bytes: %w", p.Kind(), field, n, ErrStringTooLong)
		}
		return nil
	}

	switch v := p.(type) {
	case *Version:
		return check("client_version", len(v.ClientVersion))
	case *Authentication:
		return check("auth_code", len(v.AuthCode))
	case *LoadMap:
		return check("map_name", len(v.MapName))
	case *PlayerKick:
		return check("reason", len(v.Reason))
	case *PlayerData:
		if err := check("players", len(v.Players)); err != nil {
			return err
		}
		for _, pl := range v.Players {
			if err := check("name", len(pl.Name)); err != nil {
				return err
			}
			if err := check("avatar_hash", len(pl.AvatarHash)); err != nil {
				return err
			}
		}
		return nil
	case *VehicleSpawn:
		return check("config", len(v.Config))
	case *VehicleTransform:
		return check("transform", len(v.Transform))
	case *VehicleUpdate:
		return check("data", len(v.Data))
	default:
		return nil
	}
}

// -------------------------------------------------------------------------
// Decoding
// -------------------------------------------------------------------------

// bodyReader consumes fields from a packet body, recording the first
// decode error. All accessors return zero values once an error is set.
type bodyReader struct {
	buf []byte
	err error
}

func (r *bodyReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf) < n {
		r.err = ErrTruncatedPacket
		return false
	}
	return true
}

func (r *bodyReader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *bodyReader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf)
	r.buf = r.buf[2:]
	return v
}

func (r *bodyReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *bodyReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v
}

func (r *bodyReader) bytes() []byte {
	n := int(r.u16())
	if !r.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[:n])
	r.buf = r.buf[n:]
	return v
}

func (r *bodyReader) str() string {
	return string(r.bytes())
}

// finish returns the recorded decode error, or ErrTrailingBytes if the body
// was longer than its fields.
func (r *bodyReader) finish(kind Kind) error {
	if r.err != nil {
		return fmt.Errorf("decode %s: %w", kind, r.err)
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("decode %s: %d bytes: %w", kind, len(r.buf), ErrTrailingBytes)
	}
	return nil
}

// DecodePacket decodes a packet body (kind byte plus fields) as produced by
// AppendPacket. The body is fully consumed; trailing bytes are an error.
func DecodePacket(body []byte) (Packet, error) {
	r := &bodyReader{buf: body}

	kind := Kind(r.u8())
	if r.err != nil {
		return nil, fmt.Errorf("decode packet kind: %w", r.err)
	}

	var pkt Packet
	switch kind {
	case KindVersion:
		pkt = &Version{ClientVersion: r.str(), ConfirmID: r.u32()}
	case KindAuthentication:
		pkt = &Authentication{AuthCode: r.str(), ConfirmID: r.u32()}
	case KindConfirmation:
		pkt = &Confirmation{ConfirmID: r.u32()}
	case KindServerInfo:
		pkt = &ServerInfo{HTTPPort: r.u16(), UDPPort: r.u16()}
	case KindLoadMap:
		pkt = &LoadMap{ConfirmID: r.u32(), MapName: r.str()}
	case KindPlayerKick:
		pkt = &PlayerKick{Reason: r.str()}
	case KindPlayerData:
		pkt = decodePlayerData(r)
	case KindVehicleSpawn:
		pkt = &VehicleSpawn{
			ConfirmID: r.u32(),
			VehicleID: r.u16(),
			ObjectID:  r.u32(),
			Config:    r.str(),
		}
	case KindVehicleConfirm:
		pkt = &VehicleConfirm{ConfirmID: r.u32(), VehicleID: r.u16(), ObjID: r.u32()}
	case KindVehicleTransform:
		pkt = &VehicleTransform{PlayerID: r.u64(), VehicleID: r.u16(), Transform: r.str()}
	case KindVehicleUpdate:
		pkt = &VehicleUpdate{PlayerID: r.u64(), VehicleID: r.u16(), Ms: r.u32(), Data: r.bytes()}
	default:
		return nil, fmt.Errorf("kind byte %d: %w", uint8(kind), ErrUnknownKind)
	}

	if err := r.finish(kind); err != nil {
		return nil, err
	}
	return pkt, nil
}

// decodePlayerData decodes the roster entry list.
func decodePlayerData(r *bodyReader) *PlayerData {
	count := int(r.u16())
	pd := &PlayerData{}
	for range count {
		if r.err != nil {
			return pd
		}
		pd.Players = append(pd.Players, PlayerEntry{
			Name:       r.str(),
			PlayerID:   r.u64(),
			AvatarHash: r.str(),
		})
	}
	return pd
}
