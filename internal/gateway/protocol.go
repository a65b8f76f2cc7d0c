package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types carried in Envelope.Type.
const (
	TypeJoin         = "join"
	TypeWelcome      = "welcome"
	TypeSnapshot     = "snapshot"
	TypeMemberJoined = "memberJoined"
	TypeMemberLeft   = "memberLeft"
	TypeRoomStats    = "roomStats"
	TypeDrawingEvent = "drawingEvent"
	TypeClearCanvas  = "clearCanvas"
	TypeChatMessage  = "chatMessage"
)

// Envelope is the JSON text frame exchanged in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SnapshotEntry is one replayed drawing event.
type SnapshotEntry struct {
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// RoomStats reports the member count of a room.
type RoomStats struct {
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

// ClearNotice tells members that a room's canvas was wiped.
type ClearNotice struct {
	RoomID string `json:"roomId"`
}

// ChatRequest is the payload of an inbound chatMessage.
type ChatRequest struct {
	RoomID      string `json:"roomId"`
	Text        string `json:"text"`
	DisplayName string `json:"displayName"`
}

// ChatMessage is the payload of an outbound chatMessage.
type ChatMessage struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// Welcome is sent once when a connection is accepted.
type Welcome struct {
	MemberID string `json:"memberId"`
}

// Encode builds an outbound frame.
//
// Postcondition: Returns the JSON encoding of an Envelope wrapping data.
func Encode(frameType string, seq uint64, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s data: %w", frameType, err)
		}
		raw = b
	}
	out, err := json.Marshal(Envelope{Type: frameType, Seq: seq, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", frameType, err)
	}
	return out, nil
}

// Decode parses an inbound frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decoding frame: missing type")
	}
	return env, nil
}

// roomIDOf reads a room id given either as a bare JSON string or as an object
// with a roomId field. Absent or null data yields "".
func roomIDOf(data json.RawMessage) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}
	var notice ClearNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		return "", fmt.Errorf("reading room id: %w", err)
	}
	return notice.RoomID, nil
}
