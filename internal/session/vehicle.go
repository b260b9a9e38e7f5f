// Package session holds the server's per-client state: the Session type,
// its vehicle store, and the registry of admitted sessions.
//
// Everything in this package is owned by the tick engine goroutine. The
// only cross-goroutine hand-off is the bounded queue between the acceptor
// and the engine; once a Session is received from that queue, all further
// access is single-goroutine and needs no locking.
package session

import (
	"sort"

	"github.com/openrally/gorally/internal/protocol"
)

// -------------------------------------------------------------------------
// Vehicle — per-session physics object
// -------------------------------------------------------------------------

// MaxVehicles is the per-session vehicle cap. Ids 0..MaxVehicles-1 are
// valid; the id space is 16-bit with 65535 reserved as unusable.
const MaxVehicles = 65535

// RuntimeState is a vehicle's opaque runtime payload with its monotonic
// timestamp. Ms == 0 means no data yet; such state is never replicated.
type RuntimeState struct {
	Ms   uint32
	Data []byte
}

// Vehicle is one physics object owned by a session. The id is unique
// within the owning session only.
type Vehicle struct {
	// ID is the session-local vehicle id.
	ID uint16

	// ObjectID identifies the spawned object class, echoed in confirms.
	ObjectID uint32

	// Config is the opaque creation descriptor supplied by the owner.
	Config string

	// Transform is the newest kinematic record. Ms == 0 means absent.
	Transform protocol.TransformRecord

	// Runtime is the newest runtime record. Ms == 0 means absent.
	Runtime RuntimeState
}

// -------------------------------------------------------------------------
// VehicleStore — id allocation and freshness filtering
// -------------------------------------------------------------------------

// VehicleStore keeps one session's vehicles keyed by id and enforces the
// freshness rule on state updates: a record is accepted only when its
// timestamp is strictly newer than the stored one. Ties and out-of-order
// records are discarded; this is the only serialization guarantee for
// physics state.
type VehicleStore struct {
	vehicles map[uint16]*Vehicle
}

// NewVehicleStore creates an empty store.
func NewVehicleStore() *VehicleStore {
	return &VehicleStore{
		vehicles: make(map[uint16]*Vehicle),
	}
}

// Add allocates the lowest free vehicle id and inserts a vehicle with both
// timestamp fields at zero. Returns false only when all ids are in use.
func (s *VehicleStore) Add(objectID uint32, config string) (uint16, bool) {
	for id := range MaxVehicles {
		vid := uint16(id)
		if _, used := s.vehicles[vid]; used {
			continue
		}
		s.vehicles[vid] = &Vehicle{
			ID:       vid,
			ObjectID: objectID,
			Config:   config,
		}
		return vid, true
	}
	return 0, false
}

// Remove deletes the vehicle with the given id, freeing it for reuse.
func (s *VehicleStore) Remove(id uint16) bool {
	if _, ok := s.vehicles[id]; !ok {
		return false
	}
	delete(s.vehicles, id)
	return true
}

// Get returns the vehicle with the given id.
func (s *VehicleStore) Get(id uint16) (*Vehicle, bool) {
	v, ok := s.vehicles[id]
	return v, ok
}

// Len returns the number of vehicles in the store.
func (s *VehicleStore) Len() int {
	return len(s.vehicles)
}

// All returns the vehicles ordered by id. The slice is freshly allocated;
// the pointed-to vehicles are the live records.
func (s *VehicleStore) All() []*Vehicle {
	out := make([]*Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateTransform applies rec to the vehicle with the given id under the
// freshness rule. Returns false when the id is unknown or the record is
// not strictly newer.
func (s *VehicleStore) UpdateTransform(id uint16, rec protocol.TransformRecord) bool {
	v, ok := s.vehicles[id]
	if !ok {
		return false
	}
	if rec.Ms <= v.Transform.Ms {
		return false
	}
	v.Transform = rec
	return true
}

// UpdateRuntime applies a runtime record to the vehicle with the given id
// under the freshness rule. Returns false when the id is unknown or the
// record is not strictly newer.
func (s *VehicleStore) UpdateRuntime(id uint16, ms uint32, data []byte) bool {
	v, ok := s.vehicles[id]
	if !ok {
		return false
	}
	if ms <= v.Runtime.Ms {
		return false
	}
	v.Runtime = RuntimeState{Ms: ms, Data: data}
	return true
}
