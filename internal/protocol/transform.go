package protocol

import (
	"encoding/json"
	"fmt"
)

// -------------------------------------------------------------------------
// Transform Record — JSON payload of VehicleTransform
// -------------------------------------------------------------------------

// TransformRecord is the instantaneous kinematic state of a vehicle.
//
// On the wire it is a JSON document embedded as a string inside a
// VehicleTransform packet. The nested JSON-in-binary encoding is an
// accident of the current protocol revision and must be accepted and
// emitted verbatim; a future revision should inline the fields.
//
// Ms is milliseconds since the owning client's connection start. A record
// with Ms == 0 means "no data yet" and is never replicated.
type TransformRecord struct {
	// Pos is the position in metres.
	Pos [3]float32 `json:"pos"`

	// Rot is the orientation quaternion.
	Rot [4]float32 `json:"rot"`

	// Vel is the linear velocity in m/s.
	Vel [3]float32 `json:"vel"`

	// RVel is the angular velocity in rad/s.
	RVel [3]float32 `json:"rvel"`

	// Ms is the record's monotonic timestamp in milliseconds.
	Ms uint32 `json:"ms"`
}

// EncodeTransform serializes rec to the wire JSON form.
// Fails on non-finite float values, which JSON cannot represent.
func EncodeTransform(rec TransformRecord) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode transform record: %w", err)
	}
	return string(b), nil
}

// DecodeTransform parses the wire JSON form of a transform record.
func DecodeTransform(s string) (TransformRecord, error) {
	var rec TransformRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return TransformRecord{}, fmt.Errorf("decode transform record: %w", err)
	}
	return rec, nil
}
