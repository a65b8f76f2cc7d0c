// Package draw classifies and validates drawing payloads produced by client tools.
//
// Payloads stay opaque for storage and relay; Parse only checks that a payload
// names its room and carries the positional fields its tool needs to be replayed.
package draw

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Jeffail/gabs"
)

// ErrMalformed is returned for payloads that cannot be replayed by a client.
var ErrMalformed = errors.New("malformed drawing event")

// Kind is the tool variant of a drawing payload.
type Kind int

const (
	// KindFreehand is a pen, brush or eraser segment from (prevX, prevY) to (x, y).
	KindFreehand Kind = iota + 1
	// KindLine is a straight line from (startX, startY) to (endX, endY).
	KindLine
	// KindFill is a flood fill seeded at (x, y).
	KindFill
	// KindClear wipes the whole canvas.
	KindClear
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFreehand:
		return "freehand"
	case KindLine:
		return "line"
	case KindFill:
		return "fill"
	case KindClear:
		return "clear"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Point is a canvas coordinate.
type Point struct {
	X, Y float64
}

// Freehand is the positional data of a KindFreehand event.
// Prev is nil for the first segment of a stroke.
type Freehand struct {
	Tool string
	At   Point
	Prev *Point
}

// Line is the positional data of a KindLine event.
type Line struct {
	Start, End Point
}

// Fill is the positional data of a KindFill event.
type Fill struct {
	At Point
}

// Event is a validated drawing payload.
type Event struct {
	// RoomID is the room named by the payload.
	RoomID string
	// Kind is the tool variant.
	Kind Kind
	// Raw is the payload exactly as received.
	Raw json.RawMessage

	freehand Freehand
	line     Line
	fill     Fill
}

// Freehand returns the segment data; ok is false for other kinds.
func (e Event) Freehand() (Freehand, bool) {
	return e.freehand, e.Kind == KindFreehand
}

// Line returns the line data; ok is false for other kinds.
func (e Event) Line() (Line, bool) {
	return e.line, e.Kind == KindLine
}

// Fill returns the fill data; ok is false for other kinds.
func (e Event) Fill() (Fill, bool) {
	return e.fill, e.Kind == KindFill
}

// KindOf maps a client tool name to its Kind. Unknown and empty tool names are
// treated as freehand so that new brush types keep replaying.
func KindOf(tool string) Kind {
	switch tool {
	case "line":
		return KindLine
	case "fill", "bucket":
		return KindFill
	case "clear":
		return KindClear
	default:
		return KindFreehand
	}
}

// Parse validates raw as a drawing payload.
//
// Postcondition: Returns an Event, or an error wrapping ErrMalformed when raw is not
// a JSON object, lacks a non-empty string roomId, or lacks its kind's coordinates.
func Parse(raw []byte) (Event, error) {
	doc, err := gabs.ParseJSON(raw)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := doc.Data().(map[string]interface{}); !ok {
		return Event{}, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}

	roomID, _ := doc.Path("roomId").Data().(string)
	if roomID == "" {
		return Event{}, fmt.Errorf("%w: missing roomId", ErrMalformed)
	}

	tool, _ := doc.Path("tool").Data().(string)
	ev := Event{
		RoomID: roomID,
		Kind:   KindOf(tool),
		Raw:    append(json.RawMessage(nil), raw...),
	}

	switch ev.Kind {
	case KindFreehand:
		at, err := point(doc, "x", "y")
		if err != nil {
			return Event{}, err
		}
		ev.freehand = Freehand{Tool: tool, At: at}
		if prev, err := point(doc, "prevX", "prevY"); err == nil {
			ev.freehand.Prev = &prev
		}
	case KindLine:
		start, err := point(doc, "startX", "startY")
		if err != nil {
			return Event{}, err
		}
		end, err := point(doc, "endX", "endY")
		if err != nil {
			return Event{}, err
		}
		ev.line = Line{Start: start, End: end}
	case KindFill:
		at, err := point(doc, "x", "y")
		if err != nil {
			return Event{}, err
		}
		ev.fill = Fill{At: at}
	}
	return ev, nil
}

func point(doc *gabs.Container, xKey, yKey string) (Point, error) {
	x, ok := number(doc, xKey)
	if !ok {
		return Point{}, fmt.Errorf("%w: missing %s", ErrMalformed, xKey)
	}
	y, ok := number(doc, yKey)
	if !ok {
		return Point{}, fmt.Errorf("%w: missing %s", ErrMalformed, yKey)
	}
	return Point{X: x, Y: y}, nil
}

func number(doc *gabs.Container, key string) (float64, bool) {
	if !doc.Exists(key) {
		return 0, false
	}
	switch v := doc.Search(key).Data().(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
