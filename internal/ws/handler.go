// Package ws serves the device WebSocket endpoint.
package ws

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"clipsync/config"
	"clipsync/internal/auth"
	"clipsync/internal/hub"
	"clipsync/internal/protocol"
	"clipsync/internal/relay"
)

const (
	reasonNotAuthenticated = "not authenticated"
	reasonMissingDevice    = "missing device id"
	reasonUserMismatch     = "token does not match session"
)

// Handler upgrades requests and runs one session per connection.
type Handler struct {
	hub      *hub.Hub
	relay    *relay.Relay
	verifier auth.TokenVerifier
	cfg      config.RelayConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler with dependencies.
func NewHandler(h *hub.Hub, r *relay.Relay, v auth.TokenVerifier, cfg config.RelayConfig) *Handler {
	return &Handler{
		hub:      h,
		relay:    r,
		verifier: v,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// connState is the per-connection session. current is nil until the first
// successful auth.
type connState struct {
	conn    *Conn
	current *hub.Session
	limiter *rate.Limiter
}

func (s *connState) authenticated() bool {
	return s.current != nil
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return
	}

	conn := newConn(ws, h.cfg.SendBuffer, h.cfg.PingInterval)
	go conn.writePump()

	state := &connState{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSec), h.cfg.MessageBurst),
	}
	defer func() {
		if state.current != nil {
			h.hub.Unregister(state.current)
		}
		conn.Close()
	}()

	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Connection closed unexpectedly: %v", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("Ignoring message: %v", err)
			continue
		}
		if !h.handle(state, msg) {
			return
		}
	}
}

// handle processes one message and reports whether the connection stays open.
func (h *Handler) handle(s *connState, msg protocol.Message) bool {
	if a, ok := msg.(protocol.Auth); ok {
		return h.authenticate(s, a)
	}
	if !s.authenticated() {
		h.reply(s, protocol.AuthError{Reason: reasonNotAuthenticated})
		return true
	}

	switch m := msg.(type) {
	case protocol.Clipboard:
		h.handleClipboard(s, m)
	case protocol.Receipt:
		if m.ContentID == "" {
			log.Printf("Ignoring receipt without content id from device %s", s.current.DeviceID)
			return true
		}
		h.relay.Acknowledge(s.current.UserID, s.current.DeviceID, m.ContentID)
	case protocol.Ping:
		h.reply(s, protocol.Pong{})
	case protocol.Pong:
	default:
		log.Printf("Ignoring %s message from device %s", msg.Type(), s.current.DeviceID)
	}
	return true
}

func (h *Handler) authenticate(s *connState, m protocol.Auth) bool {
	identity, err := h.verifier.Verify(m.Token)
	if err != nil {
		log.Printf("Rejecting credential: %v", err)
		h.reply(s, protocol.AuthError{Reason: auth.Reason(err)})
		return false
	}
	if m.DeviceID == "" {
		h.reply(s, protocol.AuthError{Reason: reasonMissingDevice})
		return false
	}

	if s.authenticated() {
		// A refreshed credential must still name this session.
		if identity.UserID != s.current.UserID || m.DeviceID != s.current.DeviceID {
			h.reply(s, protocol.AuthError{Reason: reasonUserMismatch})
			return false
		}
		h.reply(s, protocol.AuthSuccess{})
		return true
	}

	s.current = &hub.Session{
		UserID:     identity.UserID,
		DeviceID:   m.DeviceID,
		DeviceName: m.DeviceName,
		Conn:       s.conn,
	}
	h.reply(s, protocol.AuthSuccess{})
	h.hub.Register(s.current)
	log.Printf("Device %s authenticated for user %s", m.DeviceID, identity.UserID)
	return true
}

func (h *Handler) handleClipboard(s *connState, m protocol.Clipboard) {
	if m.ContentID == "" {
		log.Printf("Ignoring clipboard without content id from device %s", s.current.DeviceID)
		return
	}
	if !s.limiter.Allow() {
		log.Printf("Rate limit exceeded by device %s; dropping content %s", s.current.DeviceID, m.ContentID)
		return
	}

	m.DeviceID = s.current.DeviceID
	res := h.relay.Publish(s.current.UserID, m.Event(time.Now()))
	if !res.Duplicate {
		log.Printf("Content %s from device %s delivered to %d devices", m.ContentID, m.DeviceID, res.Delivered)
	}
}

func (h *Handler) reply(s *connState, msg protocol.Message) {
	if err := s.conn.Send(protocol.MustEncode(msg)); err != nil && !errors.Is(err, hub.ErrClosed) {
		log.Printf("Error replying with %s: %v", msg.Type(), err)
	}
}
