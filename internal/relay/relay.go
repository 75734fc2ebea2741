// Package relay routes clipboard events from one device to the rest of the
// user's devices, live first and by push for the ones that are not connected.
package relay

import (
	"log"
	"time"

	"github.com/patrickmn/go-cache"

	"clipsync/internal/notification"
	"clipsync/internal/protocol"
)

// Broadcaster is the live connection registry.
type Broadcaster interface {
	Broadcast(userID string, msg protocol.Message, excludeDeviceID string) int
	Connected(userID string) []string
}

// Dispatcher queues push deliveries.
type Dispatcher interface {
	Dispatch(job notification.Job) bool
}

// Result reports what Publish did with an event.
type Result struct {
	Delivered int  `json:"recipients"`
	Duplicate bool `json:"duplicate"`
}

// Relay is safe for concurrent use.
type Relay struct {
	hub  Broadcaster
	push Dispatcher
	seen *cache.Cache
	ttl  time.Duration
}

// New creates a relay. push may be nil when web push is not configured.
func New(hub Broadcaster, push Dispatcher, dedupTTL time.Duration) *Relay {
	return &Relay{
		hub:  hub,
		push: push,
		seen: cache.New(dedupTTL, 2*dedupTTL),
		ttl:  dedupTTL,
	}
}

// Publish fans ev out to the user's other devices. An event whose content id
// was already published for this user within the dedup window is dropped.
func (r *Relay) Publish(userID string, ev protocol.ClipboardEvent) Result {
	key := userID + "|" + ev.ContentID
	if err := r.seen.Add(key, struct{}{}, r.ttl); err != nil {
		log.Printf("Ignoring duplicate content %s from device %s", ev.ContentID, ev.SenderDeviceID)
		return Result{Duplicate: true}
	}

	live := r.hub.Connected(userID)
	delivered := r.hub.Broadcast(userID, ev.Message(), ev.SenderDeviceID)

	if r.push != nil {
		r.push.Dispatch(notification.Job{UserID: userID, Event: ev, Live: live})
	}

	return Result{Delivered: delivered}
}

// Acknowledge tells the user's other devices that deviceID applied contentID.
func (r *Relay) Acknowledge(userID, deviceID, contentID string) int {
	return r.hub.Broadcast(userID, protocol.Receipt{ContentID: contentID, DeviceID: deviceID}, deviceID)
}
