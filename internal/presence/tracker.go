// Package presence records which devices are online without putting the
// directory write on the message path.
package presence

import (
	"context"
	"log"
	"time"

	"clipsync/internal/store"
)

const drainTimeout = 5 * time.Second

// Writer is the part of the device directory the tracker needs.
type Writer interface {
	UpsertPresence(ctx context.Context, p store.Presence) error
}

// Tracker applies presence updates in arrival order on a single goroutine.
type Tracker struct {
	store   Writer
	updates  chan store.Presence
	now      func() time.Time
	onChange func(userID string)
}

// NewTracker creates a tracker with room for queueSize pending updates.
func NewTracker(s Writer, queueSize int) *Tracker {
	return &Tracker{
		store:   s,
		updates: make(chan store.Presence, queueSize),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithOnChange sets a callback run on the tracker goroutine after each
// update is written. Call before Run.
func (t *Tracker) WithOnChange(f func(userID string)) *Tracker {
	t.onChange = f
	return t
}

// Online records that the device has an authenticated session.
func (t *Tracker) Online(userID, deviceID, name string) {
	t.enqueue(store.Presence{UserID: userID, DeviceID: deviceID, Name: name, Online: true})
}

// Offline records that the device's last session closed.
func (t *Tracker) Offline(userID, deviceID string) {
	t.enqueue(store.Presence{UserID: userID, DeviceID: deviceID, Online: false})
}

func (t *Tracker) enqueue(p store.Presence) {
	p.At = t.now()
	select {
	case t.updates <- p:
	default:
		log.Printf("Presence queue full; dropping update for device %s (online=%t)", p.DeviceID, p.Online)
	}
}

// Run applies updates until ctx is done, then flushes what is still queued.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case p := <-t.updates:
			t.apply(ctx, p)
		case <-ctx.Done():
			t.drain(ctx)
			return
		}
	}
}

func (t *Tracker) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()
	for {
		select {
		case p := <-t.updates:
			t.apply(ctx, p)
		default:
			return
		}
	}
}

func (t *Tracker) apply(ctx context.Context, p store.Presence) {
	if err := t.store.UpsertPresence(ctx, p); err != nil {
		log.Printf("Error writing presence for device %s: %v; retrying once", p.DeviceID, err)
		if err := t.store.UpsertPresence(ctx, p); err != nil {
			log.Printf("Dropping presence update for device %s: %v", p.DeviceID, err)
			return
		}
	}
	if t.onChange != nil {
		t.onChange(p.UserID)
	}
}
