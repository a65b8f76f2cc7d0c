// Package gateway runs the per-connection drawing protocol: room joins with
// history replay, drawing relay, canvas clears, chat and disconnect cleanup.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/drawsync/internal/draw"
	"github.com/cory-johannsen/drawsync/internal/room"
	"github.com/cory-johannsen/drawsync/internal/session"
)

// ErrStreamClosed is returned by a Stream whose peer has gone away normally.
var ErrStreamClosed = errors.New("stream closed")

// Stream is one bidirectional client connection carrying JSON text frames.
// Recv is only called from the session goroutine and Send only from the
// forwarder goroutine. A Stream that also implements io.Closer is closed when
// its session ends, which must unblock a pending Recv.
type Stream interface {
	Recv() ([]byte, error)
	Send(frame []byte) error
}

// Options configures a Gateway. Zero values select the defaults.
type Options struct {
	// MaxChatLength bounds chat text in runes.
	MaxChatLength int
	// LockStripes is the number of per-room lock stripes.
	LockStripes int
	// NewMemberID assigns member ids; defaults to random UUIDs.
	NewMemberID func() string
	// Now is the chat clock; defaults to time.Now.
	Now func() time.Time
}

// Gateway dispatches client frames against the room registry and fans events
// out to the sessions of each room.
//
// Invariant: every registry mutation of a room and the fan-out it causes happen
// while holding that room's stripe, so all members observe one order per room.
type Gateway struct {
	rooms    *room.Registry
	sessions *session.Manager
	locks    *roomLocks
	chat     *ChatHandler
	newID    func() string
	logger   *zap.Logger
}

// New creates a Gateway.
//
// Precondition: rooms, sessions and logger must be non-nil.
// Postcondition: Returns a Gateway ready to serve sessions.
func New(rooms *room.Registry, sessions *session.Manager, opts Options, logger *zap.Logger) *Gateway {
	if opts.NewMemberID == nil {
		opts.NewMemberID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		rooms:    rooms,
		sessions: sessions,
		locks:    newRoomLocks(opts.LockStripes),
		chat:     NewChatHandler(opts.MaxChatLength, opts.Now),
		newID:    opts.NewMemberID,
		logger:   logger,
	}
}

// RoomCount returns the number of registered rooms.
func (g *Gateway) RoomCount() int {
	return g.rooms.RoomCount()
}

// EventCounts returns the number of stored drawing events per kind name.
func (g *Gateway) EventCounts() map[string]uint64 {
	counts := g.rooms.EventCounts()
	out := make(map[string]uint64, len(counts))
	for k, n := range counts {
		out[k.String()] = n
	}
	return out
}

// SessionCount returns the number of live sessions.
func (g *Gateway) SessionCount() int {
	return g.sessions.Count()
}

// HandleSession serves one connection until its stream fails or ctx is cancelled.
// Flow:
//  1. Assign a member id and register the session
//  2. Spawn the forwarder that drains the session outbox into the stream
//  3. Send the welcome frame
//  4. Receive and dispatch frames
//  5. On exit: leave every joined room
//
// A member whose outbox overflows is evicted: its stream is closed and the
// session ends with an error wrapping session.ErrOutboxFull.
//
// Postcondition: Returns nil on a normal close, otherwise the receive or eviction error.
func (g *Gateway) HandleSession(ctx context.Context, stream Stream) error {
	memberID := g.newID()
	sess, err := g.sessions.Add(memberID)
	if err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	defer g.disconnect(sess)

	g.logger.Info("member connected", zap.String("member", memberID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case <-sess.Entity.Evicted():
			g.logger.Warn("evicting member with a full outbox",
				zap.String("member", memberID),
			)
			cancel()
		}
		if c, ok := stream.(io.Closer); ok {
			_ = c.Close()
		}
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		g.forwardEvents(ctx, sess.Entity, stream)
	}()

	g.push(sess.Entity, TypeWelcome, 0, Welcome{MemberID: memberID})

	err = g.receiveLoop(ctx, sess, stream)

	cancel()
	wg.Wait()

	if sess.Entity.Overflowed() {
		return fmt.Errorf("member %s evicted: %w", memberID, session.ErrOutboxFull)
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// receiveLoop dispatches inbound frames until the stream ends.
func (g *Gateway) receiveLoop(ctx context.Context, sess *session.Session, stream Stream) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receiving frame: %w", err)
		}
		g.dispatch(sess, frame)
	}
}

// forwardEvents drains the outbox into the stream until either side closes.
func (g *Gateway) forwardEvents(ctx context.Context, entity *session.Entity, stream Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-entity.Events():
			if !ok {
				return
			}
			if err := stream.Send(frame); err != nil {
				g.logger.Debug("forward send failed",
					zap.String("member", entity.MemberID()),
					zap.Error(err),
				)
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Malformed or out-of-state frames are dropped.
func (g *Gateway) dispatch(sess *session.Session, frame []byte) {
	env, err := Decode(frame)
	if err != nil {
		g.drop(sess, "", err)
		return
	}

	switch env.Type {
	case TypeJoin:
		roomID, err := roomIDOf(env.Data)
		if err != nil {
			g.drop(sess, env.Type, err)
			return
		}
		g.join(sess, roomID)
	case TypeDrawingEvent:
		g.drawing(sess, env.Data)
	case TypeClearCanvas:
		roomID, err := roomIDOf(env.Data)
		if err != nil {
			g.drop(sess, env.Type, err)
			return
		}
		g.clearCanvas(sess, roomID)
	case TypeChatMessage:
		var req ChatRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			g.drop(sess, env.Type, err)
			return
		}
		g.chatMessage(sess, req)
	default:
		g.drop(sess, env.Type, fmt.Errorf("unknown frame type"))
	}
}

func (g *Gateway) drop(sess *session.Session, frameType string, err error) {
	g.logger.Debug("dropping frame",
		zap.String("member", sess.MemberID),
		zap.String("type", frameType),
		zap.Error(err),
	)
}

// join subscribes the session to roomID, replays the room log to it and
// announces it to the other members.
//
// Postcondition: the session is InRoom with roomID current, and the snapshot is
// queued ahead of any live event of roomID.
func (g *Gateway) join(sess *session.Session, roomID string) {
	if roomID == "" {
		g.drop(sess, TypeJoin, fmt.Errorf("empty room id"))
		return
	}

	unlock := g.locks.lock(roomID)
	defer unlock()

	if !sess.Join(roomID) {
		return
	}
	g.rooms.AddMember(roomID, sess.MemberID)

	history := g.rooms.Snapshot(roomID)
	entries := make([]SnapshotEntry, 0, len(history))
	for _, ev := range history {
		entries = append(entries, SnapshotEntry{Seq: ev.Seq, Data: ev.Payload})
	}
	g.push(sess.Entity, TypeSnapshot, 0, entries)

	g.broadcast(roomID, sess.MemberID, TypeMemberJoined, 0, sess.MemberID)
	g.broadcast(roomID, "", TypeRoomStats, 0, RoomStats{
		RoomID:      roomID,
		MemberCount: g.rooms.MemberCount(roomID),
	})

	g.logger.Info("member joined room",
		zap.String("member", sess.MemberID),
		zap.String("room", roomID),
		zap.Int("replayed", len(entries)),
	)
}

// drawing stores a validated payload and relays it to every other member.
func (g *Gateway) drawing(sess *session.Session, payload json.RawMessage) {
	current, ok := sess.CurrentRoom()
	if !ok {
		g.drop(sess, TypeDrawingEvent, fmt.Errorf("not in a room"))
		return
	}
	ev, err := draw.Parse(payload)
	if err != nil {
		g.drop(sess, TypeDrawingEvent, err)
		return
	}
	if ev.RoomID != current {
		g.drop(sess, TypeDrawingEvent, fmt.Errorf("room %q is not the current room", ev.RoomID))
		return
	}
	if ev.Kind == draw.KindClear {
		g.clearCanvas(sess, current)
		return
	}

	unlock := g.locks.lock(current)
	defer unlock()

	stored := g.rooms.AppendEvent(current, ev.Kind, ev.Raw)
	g.broadcast(current, sess.MemberID, TypeDrawingEvent, stored.Seq, stored.Payload)

	if ce := g.logger.Check(zap.DebugLevel, "drawing event stored"); ce != nil {
		ce.Write(append(strokeFields(ev),
			zap.String("member", sess.MemberID),
			zap.String("room", current),
			zap.Uint64("seq", stored.Seq),
			zap.Stringer("kind", stored.Kind),
		)...)
	}
}

// strokeFields describes the positional data of ev for debug logs.
func strokeFields(ev draw.Event) []zap.Field {
	if f, ok := ev.Freehand(); ok {
		fields := []zap.Field{zap.String("tool", f.Tool), zap.Float64("x", f.At.X), zap.Float64("y", f.At.Y)}
		if f.Prev != nil {
			fields = append(fields, zap.Float64("prev_x", f.Prev.X), zap.Float64("prev_y", f.Prev.Y))
		}
		return fields
	}
	if l, ok := ev.Line(); ok {
		return []zap.Field{
			zap.Float64("start_x", l.Start.X), zap.Float64("start_y", l.Start.Y),
			zap.Float64("end_x", l.End.X), zap.Float64("end_y", l.End.Y),
		}
	}
	if f, ok := ev.Fill(); ok {
		return []zap.Field{zap.Float64("x", f.At.X), zap.Float64("y", f.At.Y)}
	}
	return nil
}

// clearCanvas wipes the current room's log and notifies every other member.
func (g *Gateway) clearCanvas(sess *session.Session, roomID string) {
	current, ok := sess.CurrentRoom()
	if !ok {
		g.drop(sess, TypeClearCanvas, fmt.Errorf("not in a room"))
		return
	}
	if roomID != "" && roomID != current {
		g.drop(sess, TypeClearCanvas, fmt.Errorf("room %q is not the current room", roomID))
		return
	}

	unlock := g.locks.lock(current)
	defer unlock()

	g.rooms.ResetEvents(current)
	g.broadcast(current, sess.MemberID, TypeClearCanvas, 0, ClearNotice{RoomID: current})

	g.logger.Info("canvas cleared",
		zap.String("member", sess.MemberID),
		zap.String("room", current),
	)
}

// chatMessage delivers a chat line to every member of the current room, sender included.
func (g *Gateway) chatMessage(sess *session.Session, req ChatRequest) {
	current, ok := sess.CurrentRoom()
	if !ok {
		g.drop(sess, TypeChatMessage, fmt.Errorf("not in a room"))
		return
	}
	if req.RoomID != "" && req.RoomID != current {
		g.drop(sess, TypeChatMessage, fmt.Errorf("room %q is not the current room", req.RoomID))
		return
	}
	msg, ok := g.chat.Compose(sess.MemberID, req)
	if !ok {
		g.drop(sess, TypeChatMessage, fmt.Errorf("empty text"))
		return
	}

	unlock := g.locks.lock(current)
	defer unlock()

	g.broadcast(current, "", TypeChatMessage, 0, msg)
}

// disconnect removes the session and leaves every room it joined.
//
// Postcondition: the member is in no room's member set and remaining members
// have been told it left.
func (g *Gateway) disconnect(sess *session.Session) {
	rooms, err := g.sessions.Remove(sess.MemberID)
	if err != nil {
		g.logger.Warn("removing session on disconnect",
			zap.String("member", sess.MemberID),
			zap.Error(err),
		)
		return
	}

	for _, roomID := range rooms {
		g.leave(sess.MemberID, roomID)
	}

	g.logger.Info("member disconnected",
		zap.String("member", sess.MemberID),
		zap.Int("rooms", len(rooms)),
	)
}

func (g *Gateway) leave(memberID, roomID string) {
	unlock := g.locks.lock(roomID)
	defer unlock()

	remaining := g.rooms.RemoveMember(roomID, memberID)
	g.broadcast(roomID, memberID, TypeMemberLeft, 0, memberID)
	g.broadcast(roomID, memberID, TypeRoomStats, 0, RoomStats{
		RoomID:      roomID,
		MemberCount: remaining,
	})
}

// broadcast encodes one frame and pushes it to every member of roomID except excludeID.
//
// Precondition: the caller holds the stripe for roomID.
func (g *Gateway) broadcast(roomID, excludeID, frameType string, seq uint64, data interface{}) {
	frame, err := Encode(frameType, seq, data)
	if err != nil {
		g.logger.Error("encoding broadcast frame", zap.String("type", frameType), zap.Error(err))
		return
	}

	for _, memberID := range g.rooms.Members(roomID) {
		if memberID == excludeID {
			continue
		}
		sess, ok := g.sessions.Get(memberID)
		if !ok {
			continue
		}
		if err := sess.Entity.Push(frame); err != nil {
			if errors.Is(err, session.ErrEntityClosed) {
				continue
			}
			g.logger.Warn("push to member failed",
				zap.String("member", memberID),
				zap.String("room", roomID),
				zap.String("type", frameType),
				zap.Error(err),
			)
		}
	}
}

// push encodes one frame for a single entity.
func (g *Gateway) push(entity *session.Entity, frameType string, seq uint64, data interface{}) {
	frame, err := Encode(frameType, seq, data)
	if err != nil {
		g.logger.Error("encoding frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	if err := entity.Push(frame); err != nil {
		g.logger.Warn("push to member failed",
			zap.String("member", entity.MemberID()),
			zap.String("type", frameType),
			zap.Error(err),
		)
	}
}
