package store

import "time"

// Presence is one online/offline transition of a device.
type Presence struct {
	UserID   string
	DeviceID string
	// Name is only applied when non-empty.
	Name   string
	Online bool
	At     time.Time
}
