// Package hub keeps the live device connections of every user and fans
// messages out to them.
package hub

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"clipsync/internal/protocol"
)

var (
	// ErrSendQueueFull is returned by a Conn whose outbound queue is full.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrClosed is returned by a Conn that has been closed.
	ErrClosed = errors.New("connection closed")
	// ErrNoSession is returned when the target device has no live session.
	ErrNoSession = errors.New("no live session")
)

// Conn is the outbound side of one device connection. Send must not block.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Session is an authenticated device connection.
type Session struct {
	UserID     string
	DeviceID   string
	DeviceName string
	Conn       Conn
}

// Hub maps user id -> device id -> current session.
//
// The added and removed hooks run with the hub locked, so they observe
// sessions in registry order. They must not block or call back into the hub.
type Hub struct {
	mu        sync.RWMutex
	users     map[string]map[string]*Session
	onAdded   func(*Session)
	onRemoved func(*Session)
}

// New creates an empty hub. onRemoved, when set, runs when a session stops
// being the current one for its device.
func New(onRemoved func(*Session)) *Hub {
	return &Hub{
		users:     make(map[string]map[string]*Session),
		onRemoved: onRemoved,
	}
}

// WithOnAdded sets the hook run when a session becomes the current one for
// its device. Call before the hub is shared.
func (h *Hub) WithOnAdded(f func(*Session)) *Hub {
	h.onAdded = f
	return h
}

// Register makes s the current session for its device. A previous connection
// for the same device is closed.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	devices, ok := h.users[s.UserID]
	if !ok {
		devices = make(map[string]*Session)
		h.users[s.UserID] = devices
	}
	prev := devices[s.DeviceID]
	devices[s.DeviceID] = s
	if prev != s && h.onAdded != nil {
		h.onAdded(s)
	}
	h.mu.Unlock()

	if prev != nil && prev != s {
		log.Printf("Device %s reconnected; closing previous connection", s.DeviceID)
		prev.Conn.Close()
	}
}

// Unregister removes s if it is still the current session for its device and
// reports whether it did.
func (h *Hub) Unregister(s *Session) bool {
	h.mu.Lock()
	devices := h.users[s.UserID]
	removed := devices != nil && devices[s.DeviceID] == s
	if removed {
		delete(devices, s.DeviceID)
		if len(devices) == 0 {
			delete(h.users, s.UserID)
		}
		if h.onRemoved != nil {
			h.onRemoved(s)
		}
	}
	h.mu.Unlock()
	return removed
}

// CloseAll unregisters and closes every session and returns how many there
// were. The removed hook runs for each of them.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	var sessions []*Session
	for _, devices := range h.users {
		for _, s := range devices {
			sessions = append(sessions, s)
			if h.onRemoved != nil {
				h.onRemoved(s)
			}
		}
	}
	h.users = make(map[string]map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Conn.Close()
	}
	return len(sessions)
}

// Broadcast sends msg to every session of userID except excludeDeviceID and
// returns how many accepted it. Sessions that fail to accept are dropped.
func (h *Hub) Broadcast(userID string, msg protocol.Message, excludeDeviceID string) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Error encoding broadcast for user %s: %v", userID, err)
		return 0
	}

	delivered := 0
	for _, s := range h.snapshot(userID) {
		if s.DeviceID == excludeDeviceID {
			continue
		}
		if err := s.Conn.Send(data); err != nil {
			log.Printf("Dropping device %s after failed send: %v", s.DeviceID, err)
			h.drop(s)
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers msg to a single device.
func (h *Hub) SendTo(userID, deviceID string, msg protocol.Message) error {
	h.mu.RLock()
	s := h.users[userID][deviceID]
	h.mu.RUnlock()
	if s == nil {
		return ErrNoSession
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.Conn.Send(data); err != nil {
		h.drop(s)
		return fmt.Errorf("send to device %s: %w", deviceID, err)
	}
	return nil
}

// Connected returns the ids of the user's live devices, sorted.
func (h *Hub) Connected(userID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.users[userID]))
	for id := range h.users[userID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// IsConnected reports whether the device has a live session.
func (h *Hub) IsConnected(userID, deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID][deviceID]
	return ok
}

// Disconnect force-closes the device's live session, if any.
func (h *Hub) Disconnect(userID, deviceID string) bool {
	h.mu.RLock()
	s := h.users[userID][deviceID]
	h.mu.RUnlock()
	if s == nil {
		return false
	}
	h.drop(s)
	return true
}

// Count returns the number of live sessions across all users.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, devices := range h.users {
		n += len(devices)
	}
	return n
}

func (h *Hub) snapshot(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*Session, 0, len(h.users[userID]))
	for _, s := range h.users[userID] {
		sessions = append(sessions, s)
	}
	return sessions
}

func (h *Hub) drop(s *Session) {
	h.Unregister(s)
	s.Conn.Close()
}
