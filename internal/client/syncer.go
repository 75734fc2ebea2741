package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"clipsync/internal/history"
	"clipsync/internal/protocol"
)

// ErrEmptyContent is returned when sharing an empty clipboard.
var ErrEmptyContent = errors.New("clipboard content is empty")

const clipboardWriteTimeout = 5 * time.Second

// Clipboard is the host clipboard.
type Clipboard interface {
	Write(ctx context.Context, content string) error
}

// Sender writes on the live connection. *Manager implements it.
type Sender interface {
	Send(msg protocol.Message) error
}

// Publisher shares content without a live connection. *APIClient
// implements it.
type Publisher interface {
	PublishClipboard(ctx context.Context, msg protocol.Clipboard) (PublishResult, error)
}

// Syncer applies clipboard traffic to the local history and host clipboard.
type Syncer struct {
	deviceID  string
	history   *history.Store
	sender    Sender
	fallback  Publisher
	clipboard Clipboard
	now       func() time.Time
}

// NewSyncer creates a syncer for deviceID. fallback may be nil.
func NewSyncer(deviceID string, h *history.Store, sender Sender, fallback Publisher, clipboard Clipboard) *Syncer {
	return &Syncer{
		deviceID:  deviceID,
		history:   h,
		sender:    sender,
		fallback:  fallback,
		clipboard: clipboard,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Share originates content from this device. The sent entry is recorded
// before delivery so it shows up even when every route fails.
func (s *Syncer) Share(ctx context.Context, content string) (history.Entry, error) {
	if content == "" {
		return history.Entry{}, ErrEmptyContent
	}

	event := protocol.ClipboardEvent{
		ContentID:      uuid.NewString(),
		Content:        content,
		SenderDeviceID: s.deviceID,
		Timestamp:      s.now(),
	}
	entry := history.Entry{
		ContentID: event.ContentID,
		Content:   event.Content,
		Kind:      history.KindSent,
		Timestamp: event.Timestamp,
	}
	if _, err := s.history.Append(entry); err != nil {
		return entry, err
	}

	msg := event.Message()
	err := s.sender.Send(msg)
	if err == nil {
		return entry, nil
	}
	if s.fallback == nil {
		return entry, fmt.Errorf("sharing %s: %w", event.ContentID, err)
	}

	log.Printf("Live connection unavailable (%v), posting %s over HTTP", err, event.ContentID)
	res, err := s.fallback.PublishClipboard(ctx, msg)
	if err != nil {
		return entry, fmt.Errorf("sharing %s: %w", event.ContentID, err)
	}
	log.Printf("Shared %s with %d devices", event.ContentID, res.Recipients)
	return entry, nil
}

// HandleMessage applies a message pushed by the relay.
func (s *Syncer) HandleMessage(ctx context.Context, msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.Clipboard:
		if err := s.receive(ctx, msg); err != nil {
			log.Printf("Error applying clipboard %s: %v", msg.ContentID, err)
		}
	case protocol.Receipt:
		if msg.DeviceID == s.deviceID {
			return
		}
		err := s.history.RecordReceipt(msg.ContentID, msg.DeviceID)
		if err != nil && !errors.Is(err, history.ErrNotFound) {
			log.Printf("Error recording receipt for %s: %v", msg.ContentID, err)
		}
	}
}

// receive stores a received entry, writes new content to the host clipboard
// and acknowledges it. Redelivered content is acknowledged again but not
// re-applied.
func (s *Syncer) receive(ctx context.Context, msg protocol.Clipboard) error {
	if msg.DeviceID == s.deviceID || msg.ContentID == "" {
		return nil
	}
	event := msg.Event(s.now())

	added, err := s.history.Append(history.Entry{
		ContentID: event.ContentID,
		Content:   event.Content,
		Kind:      history.KindReceived,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return err
	}
	if added {
		if err := s.writeClipboard(ctx, event.Content); err != nil {
			return err
		}
	}

	s.acknowledge(event.ContentID)
	return nil
}

// Copy applies a notification action: the content goes to the host
// clipboard and is recorded as copied on this device.
func (s *Syncer) Copy(ctx context.Context, n Notification) error {
	if err := s.writeClipboard(ctx, n.Event.Content); err != nil {
		return err
	}
	if _, err := s.history.Append(history.Entry{
		ContentID: n.Event.ContentID,
		Content:   n.Event.Content,
		Kind:      history.KindCopied,
		Timestamp: s.now(),
	}); err != nil {
		return err
	}
	s.acknowledge(n.Event.ContentID)
	return nil
}

func (s *Syncer) writeClipboard(ctx context.Context, content string) error {
	ctx, cancel := context.WithTimeout(ctx, clipboardWriteTimeout)
	defer cancel()
	if err := s.clipboard.Write(ctx, content); err != nil {
		return fmt.Errorf("writing clipboard: %w", err)
	}
	return nil
}

// acknowledge sends a receipt when connected. Receipts are best effort.
func (s *Syncer) acknowledge(contentID string) {
	err := s.sender.Send(protocol.Receipt{ContentID: contentID, DeviceID: s.deviceID})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("Error sending receipt for %s: %v", contentID, err)
	}
}
