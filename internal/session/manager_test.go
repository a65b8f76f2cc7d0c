package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEntity_Push(t *testing.T) {
	e := NewEntity("m1", 4)
	require.NoError(t, e.Push([]byte("hello")))

	frame := <-e.Events()
	assert.Equal(t, []byte("hello"), frame)
	assert.Equal(t, "m1", e.MemberID())
}

func TestEntity_PushClosed(t *testing.T) {
	e := NewEntity("m1", 4)
	e.Close()
	assert.True(t, e.IsClosed())
	assert.ErrorIs(t, e.Push([]byte("late")), ErrEntityClosed)
}

func TestEntity_PushFull(t *testing.T) {
	e := NewEntity("m1", 1)
	require.NoError(t, e.Push([]byte("first")))
	err := e.Push([]byte("overflow"))
	assert.ErrorIs(t, err, ErrOutboxFull)
	assert.Contains(t, err.Error(), "m1")
}

func TestEntity_OverflowEvicts(t *testing.T) {
	e := NewEntity("m1", 1)
	assert.False(t, e.Overflowed())
	require.NoError(t, e.Push([]byte("first")))
	require.ErrorIs(t, e.Push([]byte("overflow")), ErrOutboxFull)

	select {
	case <-e.Evicted():
	default:
		t.Fatal("overflow must signal eviction")
	}
	assert.True(t, e.Overflowed())
	assert.True(t, e.IsClosed())
	assert.ErrorIs(t, e.Push([]byte("late")), ErrEntityClosed, "an evicted entity accepts nothing more")

	// Close after eviction is a no-op
	e.Close()
	frame, ok := <-e.Events()
	assert.True(t, ok)
	assert.Equal(t, []byte("first"), frame)
	_, ok = <-e.Events()
	assert.False(t, ok)
}

func TestEntity_CloseDoesNotEvict(t *testing.T) {
	e := NewEntity("m1", 1)
	e.Close()
	assert.False(t, e.Overflowed())
	select {
	case <-e.Evicted():
		t.Fatal("a plain close is not an eviction")
	default:
	}
}

func TestEntity_CloseIdempotentAndDrainable(t *testing.T) {
	e := NewEntity("m1", 4)
	require.NoError(t, e.Push([]byte("queued")))
	e.Close()
	e.Close()

	frame, ok := <-e.Events()
	assert.True(t, ok)
	assert.Equal(t, []byte("queued"), frame)
	_, ok = <-e.Events()
	assert.False(t, ok)
}

func TestNewEntity_DefaultSize(t *testing.T) {
	e := NewEntity("m1", 0)
	assert.Equal(t, DefaultOutboxSize, cap(e.outbox))
}

func TestManager_Add(t *testing.T) {
	m := NewManager(8)
	sess, err := m.Add("m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", sess.MemberID)
	assert.Equal(t, StateConnected, sess.State())
	assert.Equal(t, 1, m.Count())

	_, ok := sess.CurrentRoom()
	assert.False(t, ok)
}

func TestManager_AddDuplicate(t *testing.T) {
	m := NewManager(8)
	_, err := m.Add("m1")
	require.NoError(t, err)
	_, err = m.Add("m1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already connected")
}

func TestManager_Remove(t *testing.T) {
	m := NewManager(8)
	sess, err := m.Add("m1")
	require.NoError(t, err)
	sess.Join("a")
	sess.Join("b")

	rooms, err := m.Remove("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rooms)
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, sess.Entity.IsClosed())

	_, ok := m.Get("m1")
	assert.False(t, ok)
}

func TestManager_RemoveNotFound(t *testing.T) {
	m := NewManager(8)
	_, err := m.Remove("unknown")
	assert.Error(t, err)
}

func TestSession_JoinSwitchesCurrentRoom(t *testing.T) {
	m := NewManager(8)
	sess, _ := m.Add("m1")

	assert.True(t, sess.Join("a"))
	assert.True(t, sess.Join("b"))
	assert.True(t, sess.Join("a"))

	current, ok := sess.CurrentRoom()
	require.True(t, ok)
	assert.Equal(t, "a", current)
	assert.Equal(t, StateInRoom, sess.State())
	assert.Equal(t, []string{"a", "b"}, sess.JoinedRooms())
}

func TestSession_JoinAfterClose(t *testing.T) {
	m := NewManager(8)
	sess, _ := m.Add("m1")
	_, err := m.Remove("m1")
	require.NoError(t, err)

	assert.False(t, sess.Join("a"))
	assert.Empty(t, sess.JoinedRooms())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "in_room", StateInRoom.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestManager_ConcurrentAddRemove(t *testing.T) {
	m := NewManager(8)
	const n = 100
	var wg sync.WaitGroup

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sess, err := m.Add(fmt.Sprintf("m%d", i))
			if err == nil {
				sess.Join("room")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, m.Count())

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _ = m.Remove(fmt.Sprintf("m%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}

func TestPropertyJoinedRoomsAreDistinctAndContainCurrent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(8)
		sess, err := m.Add("m")
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		rooms := []string{"r1", "r2", "r3", "r4"}
		joins := rapid.SliceOfN(rapid.SampledFrom(rooms), 1, 30).Draw(t, "joins")
		for _, r := range joins {
			sess.Join(r)
		}

		joined := sess.JoinedRooms()
		seen := map[string]bool{}
		for _, r := range joined {
			if seen[r] {
				t.Fatalf("room %s recorded twice in %v", r, joined)
			}
			seen[r] = true
		}
		current, ok := sess.CurrentRoom()
		if !ok || current != joins[len(joins)-1] {
			t.Fatalf("current room %q, want %q", current, joins[len(joins)-1])
		}
		if !seen[current] {
			t.Fatalf("current room %s missing from %v", current, joined)
		}
		if joined[0] != joins[0] {
			t.Fatalf("first joined %s, want %s", joined[0], joins[0])
		}
	})
}
