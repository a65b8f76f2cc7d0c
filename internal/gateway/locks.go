package gateway

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultLockStripes is the number of room lock stripes when none is configured.
const DefaultLockStripes = 64

// roomLocks serializes work per room. Rooms hashing to the same stripe share a
// mutex; at most one stripe is held by a goroutine at any time.
type roomLocks struct {
	stripes []sync.Mutex
}

func newRoomLocks(n int) *roomLocks {
	if n <= 0 {
		n = DefaultLockStripes
	}
	return &roomLocks{stripes: make([]sync.Mutex, n)}
}

func (l *roomLocks) stripe(roomID string) *sync.Mutex {
	return &l.stripes[xxhash.Sum64String(roomID)%uint64(len(l.stripes))]
}

// lock acquires the stripe for roomID and returns its release func.
func (l *roomLocks) lock(roomID string) func() {
	mu := l.stripe(roomID)
	mu.Lock()
	return mu.Unlock
}
