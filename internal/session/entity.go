// Package session tracks live client connections: their outboxes, the room they
// are drawing in, and every room they have joined since connecting.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultOutboxSize is used when a non-positive outbox size is requested.
const DefaultOutboxSize = 256

var (
	// ErrEntityClosed is returned by Push after Close.
	ErrEntityClosed = errors.New("entity closed")
	// ErrOutboxFull is returned by Push when the outbox has no free slot.
	ErrOutboxFull = errors.New("outbox full")
)

// Entity is a connection's outbound queue. Producers Push encoded frames and the
// connection's forwarder drains Events into the transport.
//
// The first Push that finds the outbox full evicts the entity: it is closed and
// Evicted is signalled so the owning connection can be torn down.
//
// Invariant: once evicted or closed, every Push fails and Events is closed.
type Entity struct {
	memberID string
	outbox   chan []byte
	evicted  chan struct{}

	mu         sync.Mutex
	closed     bool
	overflowed bool
}

// NewEntity creates an Entity for memberID with room for size queued frames.
//
// Precondition: memberID must be non-empty.
// Postcondition: Returns an open Entity.
func NewEntity(memberID string, size int) *Entity {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Entity{
		memberID: memberID,
		outbox:   make(chan []byte, size),
		evicted:  make(chan struct{}),
	}
}

// MemberID returns the identifier of the owning connection.
func (e *Entity) MemberID() string {
	return e.memberID
}

// Push enqueues frame without blocking. A full outbox evicts the entity.
//
// Postcondition: frame is queued, or the entity is closed and the returned error
// wraps ErrEntityClosed (already closed) or ErrOutboxFull (evicted by this call).
func (e *Entity) Push(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("member %s: %w", e.memberID, ErrEntityClosed)
	}
	select {
	case e.outbox <- frame:
		return nil
	default:
		e.overflowed = true
		close(e.evicted)
		e.closeLocked()
		return fmt.Errorf("member %s: %w", e.memberID, ErrOutboxFull)
	}
}

// Events returns the receive side of the outbox. It is closed by Close or eviction.
func (e *Entity) Events() <-chan []byte {
	return e.outbox
}

// Evicted is closed when a Push found the outbox full.
func (e *Entity) Evicted() <-chan struct{} {
	return e.evicted
}

// Overflowed reports whether the entity was evicted for a full outbox.
func (e *Entity) Overflowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overflowed
}

// Close closes the outbox. Frames already queued can still be drained.
func (e *Entity) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
}

func (e *Entity) closeLocked() {
	if !e.closed {
		e.closed = true
		close(e.outbox)
	}
}

// IsClosed reports whether Close has been called.
func (e *Entity) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
