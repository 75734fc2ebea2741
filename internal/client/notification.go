package client

import (
	"fmt"
	"time"

	"clipsync/internal/protocol"
)

// ActionCopy is the only action a clipboard notification offers.
const ActionCopy = "copy"

const previewRunes = 50

// Notification is a delivered push payload. It carries the whole event so
// an action taken later needs nothing else.
type Notification struct {
	Event   protocol.ClipboardEvent
	Preview string
}

// ParseNotification decodes a push payload.
func ParseNotification(payload []byte, now time.Time) (Notification, error) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return Notification{}, fmt.Errorf("decoding notification: %w", err)
	}
	clip, ok := msg.(protocol.Clipboard)
	if !ok {
		return Notification{}, fmt.Errorf("unexpected %s notification", msg.Type())
	}
	if clip.ContentID == "" {
		return Notification{}, fmt.Errorf("notification has no content id")
	}
	return Notification{Event: clip.Event(now), Preview: preview(clip.Content)}, nil
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes]) + "..."
}
