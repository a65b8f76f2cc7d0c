package room

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/drawsync/internal/draw"
)

const (
	// DefaultGracePeriod is how long an empty room is kept before deletion.
	DefaultGracePeriod = 5 * time.Minute
	// DefaultLogCap is the hard bound on a room's event log length.
	DefaultLogCap = 1000
	// DefaultLogKeep is how many recent events survive a truncation.
	DefaultLogKeep = 500
)

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn to run once after d.
type AfterFunc func(d time.Duration, fn func()) Timer

func stdAfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	GracePeriod time.Duration
	LogCap      int
	LogKeep     int
	// AfterFunc replaces time.AfterFunc, mainly for tests.
	AfterFunc AfterFunc
}

// Registry is the authoritative store of rooms keyed by room ID.
// All methods are safe for concurrent use.
//
// Invariant: a room is registered iff it has at least one member or it is
// inside its grace period after becoming empty.
// Invariant: every room's log length is <= LogCap.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	grace     time.Duration
	logCap    int
	logKeep   int
	afterFunc AfterFunc
	logger    *zap.Logger

	// appended counts events stored per kind since the registry was created.
	appended map[draw.Kind]uint64
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil; if both are set, opts.LogCap > opts.LogKeep.
// Postcondition: Returns a Registry with no rooms.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.LogCap <= 0 {
		opts.LogCap = DefaultLogCap
	}
	if opts.LogKeep <= 0 || opts.LogKeep >= opts.LogCap {
		opts.LogKeep = opts.LogCap / 2
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = stdAfterFunc
	}
	return &Registry{
		rooms:     make(map[string]*Room),
		grace:     opts.GracePeriod,
		logCap:    opts.LogCap,
		logKeep:   opts.LogKeep,
		afterFunc: opts.AfterFunc,
		logger:    logger,
		appended:  make(map[draw.Kind]uint64),
	}
}

// EnsureRoom returns the room registered under roomID, creating an empty one if needed.
//
// Postcondition: a room with roomID is registered.
func (r *Registry) EnsureRoom(roomID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(roomID)
}

func (r *Registry) ensureLocked(roomID string) *Room {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = newRoom(roomID)
		r.rooms[roomID] = rm
		r.logger.Debug("room created", zap.String("room", roomID))
	}
	return rm
}

// AddMember adds memberID to the room, creating the room if needed.
// Adding an existing member is a no-op. Any pending deletion of the room is cancelled.
//
// Postcondition: memberID is in the room's member set and the room has no pending deletion.
func (r *Registry) AddMember(roomID, memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.ensureLocked(roomID)
	if rm.pending != nil {
		r.cancelDeletionLocked(rm)
		r.logger.Debug("room deletion cancelled", zap.String("room", roomID))
	}
	rm.members[memberID] = struct{}{}
}

// RemoveMember removes memberID from the room and returns the remaining member count.
// When the room becomes empty its deletion is scheduled after the grace period,
// replacing any earlier pending deletion.
//
// Postcondition: memberID is not in the room's member set.
func (r *Registry) RemoveMember(roomID, memberID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	delete(rm.members, memberID)
	remaining := len(rm.members)
	if remaining == 0 {
		r.scheduleDeletionLocked(rm)
	}
	return remaining
}

func (r *Registry) scheduleDeletionLocked(rm *Room) {
	r.cancelDeletionLocked(rm)
	gen := rm.deletionGen
	rm.pending = r.afterFunc(r.grace, func() {
		r.expire(rm, gen)
	})
	r.logger.Debug("room deletion scheduled",
		zap.String("room", rm.id),
		zap.Duration("grace", r.grace),
	)
}

// cancelDeletionLocked stops the pending deletion and invalidates its generation,
// so a callback that already fired is ignored.
func (r *Registry) cancelDeletionLocked(rm *Room) {
	if rm.pending != nil {
		rm.pending.Stop()
		rm.pending = nil
	}
	rm.deletionGen++
}

// expire deletes rm if it is still registered, still empty and gen is still the
// generation of its pending deletion.
func (r *Registry) expire(rm *Room, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[rm.id] != rm || rm.pending == nil || rm.deletionGen != gen || len(rm.members) > 0 {
		return
	}
	delete(r.rooms, rm.id)
	rm.pending = nil
	r.logger.Info("room cleaned up",
		zap.String("room", rm.id),
		zap.Int("discarded_events", len(rm.events)),
	)
}

// AppendEvent appends a validated drawing payload to the room's log, creating the
// room if needed. Truncation happens in the same critical section as the append.
//
// Postcondition: Returns the stored Event with its assigned Seq.
func (r *Registry) AppendEvent(roomID string, kind draw.Kind, payload json.RawMessage) Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.ensureLocked(roomID)
	rm.nextSeq++
	ev := Event{
		Seq:     rm.nextSeq,
		Kind:    kind,
		Payload: payload,
	}
	rm.appendBounded(ev, r.logCap, r.logKeep)
	r.appended[kind]++
	return ev
}

// EventCounts returns how many events of each kind have been appended across all
// rooms since the registry was created. Truncation and resets do not lower them.
func (r *Registry) EventCounts() map[draw.Kind]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[draw.Kind]uint64, len(r.appended))
	for k, n := range r.appended {
		out[k] = n
	}
	return out
}

// ResetEvents clears the room's log. Sequence numbers keep increasing.
func (r *Registry) ResetEvents(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomID]; ok {
		rm.events = nil
	}
}

// Snapshot returns a copy of the room's log in append order.
//
// Postcondition: Returns nil when the room is unknown or its log is empty.
func (r *Registry) Snapshot(roomID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok || len(rm.events) == 0 {
		return nil
	}
	out := make([]Event, len(rm.events))
	copy(out, rm.events)
	return out
}

// Members returns the member IDs of the room in no particular order.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// MemberCount returns the number of members in the room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.members)
	}
	return 0
}

// Has reports whether roomID is registered.
func (r *Registry) Has(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomCount returns the number of registered rooms, including rooms in their grace period.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close cancels every pending deletion. Rooms stay registered.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rm := range r.rooms {
		r.cancelDeletionLocked(rm)
	}
}
