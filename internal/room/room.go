// Package room provides the process-wide registry of drawing rooms: member
// sets, bounded event logs and deferred deletion of empty rooms.
package room

import (
	"encoding/json"

	"github.com/cory-johannsen/drawsync/internal/draw"
)

// Event is one stored drawing mutation.
//
// Invariant: Seq is strictly increasing within a room's lifetime.
type Event struct {
	// Seq is the per-room sequence number stamped at append time.
	Seq uint64
	// Kind is the validated tool variant of the payload.
	Kind draw.Kind
	// Payload is the client's payload, relayed and replayed verbatim.
	Payload json.RawMessage
}

// Room is a named collaboration session.
// All fields are guarded by the owning Registry's mutex.
type Room struct {
	id      string
	members map[string]struct{}
	events  []Event
	nextSeq uint64

	// pending is the scheduled deletion, if any. deletionGen identifies it: the
	// timer callback only deletes when its generation is still the current one.
	pending     Timer
	deletionGen uint64
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		members: make(map[string]struct{}),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// appendBounded appends ev and, when the log exceeds capacity, keeps only the
// most recent keep events.
func (r *Room) appendBounded(ev Event, capacity, keep int) {
	r.events = append(r.events, ev)
	if len(r.events) > capacity {
		trimmed := make([]Event, keep)
		copy(trimmed, r.events[len(r.events)-keep:])
		r.events = trimmed
	}
}
