package gateway

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxChatLength bounds chat text, in runes, when no limit is configured.
const DefaultMaxChatLength = 500

// anonymousPrefix is prepended to a member id prefix when no display name is given.
const anonymousPrefix = "User"

// ChatHandler turns inbound chat requests into room messages.
type ChatHandler struct {
	maxLength int
	now       func() time.Time
}

// NewChatHandler creates a ChatHandler.
//
// Precondition: now must be non-nil.
// Postcondition: Texts longer than maxLength runes are cut; maxLength <= 0 selects DefaultMaxChatLength.
func NewChatHandler(maxLength int, now func() time.Time) *ChatHandler {
	if maxLength <= 0 {
		maxLength = DefaultMaxChatLength
	}
	return &ChatHandler{maxLength: maxLength, now: now}
}

// Compose builds the message memberID sends with req.
//
// Postcondition: ok is false when the trimmed text is empty.
func (h *ChatHandler) Compose(memberID string, req ChatRequest) (msg ChatMessage, ok bool) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ChatMessage{}, false
	}
	if utf8.RuneCountInString(text) > h.maxLength {
		text = string([]rune(text)[:h.maxLength])
	}
	return ChatMessage{
		Author: Author(memberID, req.DisplayName),
		Text:   text,
		SentAt: h.now().UTC(),
	}, true
}

// Author returns the trimmed display name, or a name derived from memberID.
func Author(memberID, displayName string) string {
	if name := strings.TrimSpace(displayName); name != "" {
		return name
	}
	short := memberID
	if len(short) > 6 {
		short = short[:6]
	}
	return anonymousPrefix + short
}
