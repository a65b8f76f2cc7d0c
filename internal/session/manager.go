package session

import (
	"fmt"
	"sync"
)

// State is the protocol state of a connection.
type State int

const (
	// StateConnected means the connection is open but has not joined a room.
	StateConnected State = iota
	// StateInRoom means the connection has a current room.
	StateInRoom
	// StateClosed means the connection has disconnected.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one live connection.
//
// Invariant: State is StateInRoom iff the current room is set and not closed.
// Invariant: the current room is always one of the joined rooms.
type Session struct {
	// MemberID is the server-assigned identifier of the connection.
	MemberID string
	// Entity is the connection's outbox.
	Entity *Entity

	mu      sync.Mutex
	state   State
	current string
	joined  []string
}

// State returns the connection's protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentRoom returns the room the connection most recently joined.
//
// Postcondition: ok is false unless the session is in StateInRoom.
func (s *Session) CurrentRoom() (roomID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInRoom {
		return "", false
	}
	return s.current, true
}

// Join makes roomID the current room and records it as joined.
//
// Postcondition: Returns false without changes if the session is closed.
func (s *Session) Join(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	s.current = roomID
	s.state = StateInRoom
	for _, id := range s.joined {
		if id == roomID {
			return true
		}
	}
	s.joined = append(s.joined, roomID)
	return true
}

// JoinedRooms returns every room joined since connecting, in first-join order.
func (s *Session) JoinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joined...)
}

// close moves the session to StateClosed and returns the rooms it had joined.
func (s *Session) close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateClosed
	s.current = ""
	rooms := s.joined
	s.joined = nil
	return rooms
}

// Manager tracks all live sessions by member ID.
// All methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	outboxSize int
}

// NewManager creates an empty Manager whose sessions get outboxes of outboxSize frames.
func NewManager(outboxSize int) *Manager {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		outboxSize: outboxSize,
	}
}

// Add registers a new session in StateConnected.
//
// Precondition: memberID must be non-empty.
// Postcondition: Returns the new Session, or an error if memberID is already registered.
func (m *Manager) Add(memberID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[memberID]; exists {
		return nil, fmt.Errorf("member %q already connected", memberID)
	}
	sess := &Session{
		MemberID: memberID,
		Entity:   NewEntity(memberID, m.outboxSize),
		state:    StateConnected,
	}
	m.sessions[memberID] = sess
	return sess, nil
}

// Remove unregisters the session, closes its outbox and returns the rooms it had joined.
//
// Postcondition: The session is in StateClosed. Returns an error if memberID is unknown.
func (m *Manager) Remove(memberID string) ([]string, error) {
	m.mu.Lock()
	sess, exists := m.sessions[memberID]
	if exists {
		delete(m.sessions, memberID)
	}
	m.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("member %q not found", memberID)
	}
	rooms := sess.close()
	sess.Entity.Close()
	return rooms, nil
}

// Get returns the session for memberID.
func (m *Manager) Get(memberID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[memberID]
	return sess, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
