package protocol_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/openrally/gorally/internal/protocol"
)

// encode is a test helper wrapping AppendPacket.
func encode(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	body, err := protocol.AppendPacket(nil, p)
	if err != nil {
		t.Fatalf("AppendPacket(%s): %v", p.Kind(), err)
	}
	return body
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	packets := []protocol.Packet{
		&protocol.Version{ClientVersion: "0.4.2", ConfirmID: 7},
		&protocol.Authentication{AuthCode: "c0ffee", ConfirmID: 8},
		&protocol.Confirmation{ConfirmID: 0xDEADBEEF},
		&protocol.ServerInfo{HTTPPort: 30811, UDPPort: 30814},
		&protocol.LoadMap{ConfirmID: 99, MapName: "gridmap_v2"},
		&protocol.PlayerKick{Reason: "Failed to authenticate!"},
		&protocol.PlayerData{Players: []protocol.PlayerEntry{
			{Name: "ayu", PlayerID: 111, AvatarHash: "ab12"},
			{Name: "beck", PlayerID: 222, AvatarHash: "cd34"},
		}},
		&protocol.VehicleSpawn{ConfirmID: 7, VehicleID: 0, ObjectID: 900, Config: `{"paint":"red"}`},
		&protocol.VehicleConfirm{ConfirmID: 7, VehicleID: 0, ObjID: 900},
		&protocol.VehicleTransform{PlayerID: 111, VehicleID: 3, Transform: `{"ms":100}`},
		&protocol.VehicleUpdate{PlayerID: 111, VehicleID: 3, Ms: 100, Data: []byte{1, 2, 3}},
	}

	for _, want := range packets {
		got, err := protocol.DecodePacket(encode(t, want))
		if err != nil {
			t.Fatalf("DecodePacket(%s): %v", want.Kind(), err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip %s: got %+v, want %+v", want.Kind(), got, want)
		}
	}
}

func TestDecodeEmptyPlayerData(t *testing.T) {
	t.Parallel()

	got, err := protocol.DecodePacket(encode(t, &protocol.PlayerData{}))
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	pd, ok := got.(*protocol.PlayerData)
	if !ok {
		t.Fatalf("got %T, want *PlayerData", got)
	}
	if len(pd.Players) != 0 {
		t.Errorf("got %d players, want 0", len(pd.Players))
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := protocol.DecodePacket([]byte{0xFF})
	if !errors.Is(err, protocol.ErrUnknownKind) {
		t.Errorf("got %v, want ErrUnknownKind", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()

	full := encode(t, &protocol.VehicleSpawn{ConfirmID: 7, ObjectID: 900, Config: "cfg"})
	for n := 1; n < len(full); n++ {
		if _, err := protocol.DecodePacket(full[:n]); !errors.Is(err, protocol.ErrTruncatedPacket) {
			t.Errorf("prefix len %d: got %v, want ErrTruncatedPacket", n, err)
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	t.Parallel()

	body := append(encode(t, &protocol.Confirmation{ConfirmID: 1}), 0x00)
	if _, err := protocol.DecodePacket(body); !errors.Is(err, protocol.ErrTrailingBytes) {
		t.Errorf("got %v, want ErrTrailingBytes", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	t.Parallel()

	if _, err := protocol.DecodePacket(nil); err == nil {
		t.Error("decoding an empty body succeeded")
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	if got := protocol.KindVehicleSpawn.String(); got != "VehicleSpawn" {
		t.Errorf("got %q, want VehicleSpawn", got)
	}
	if got := protocol.Kind(200).String(); got != "Unknown(200)" {
		t.Errorf("got %q, want Unknown(200)", got)
	}
}

func TestTransformRoundTrip(t *testing.T) {
	t.Parallel()

	want := protocol.TransformRecord{
		Pos:  [3]float32{1.5, -2, 300},
		Rot:  [4]float32{0, 0, 0, 1},
		Vel:  [3]float32{12.5, 0, -0.25},
		RVel: [3]float32{0.1, 0.2, 0.3},
		Ms:   4200,
	}

	enc, err := protocol.EncodeTransform(want)
	if err != nil {
		t.Fatalf("EncodeTransform: %v", err)
	}

	got, err := protocol.DecodeTransform(enc)
	if err != nil {
		t.Fatalf("DecodeTransform: %v", err)
	}
	if got != want {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
}

func TestTransformWireFieldNames(t *testing.T) {
	t.Parallel()

	// The JSON field names are part of the wire contract.
	rec, err := protocol.DecodeTransform(
		`{"pos":[1,2,3],"rot":[0,0,0,1],"vel":[4,5,6],"rvel":[7,8,9],"ms":100}`,
	)
	if err != nil {
		t.Fatalf("DecodeTransform: %v", err)
	}
	if rec.Pos != [3]float32{1, 2, 3} || rec.RVel != [3]float32{7, 8, 9} || rec.Ms != 100 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestDecodeTransformMalformed(t *testing.T) {
	t.Parallel()

	if _, err := protocol.DecodeTransform(`{"pos":`); err == nil {
		t.Error("decoding malformed transform JSON succeeded")
	}
}
