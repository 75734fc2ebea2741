package ws

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipsync/config"
	"clipsync/internal/auth"
	"clipsync/internal/hub"
	"clipsync/internal/protocol"
	"clipsync/internal/relay"
)

type mockPresence struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (p *mockPresence) Online(userID, deviceID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, deviceID)
}

func (p *mockPresence) Offline(userID, deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, deviceID)
}

func (p *mockPresence) Offlines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.offline...)
}

type testServer struct {
	*httptest.Server
	hub      *hub.Hub
	presence *mockPresence
	signer   *auth.Signer
}

func newTestServer(t *testing.T) *testServer {
	authCfg := config.AuthConfig{JWTSecret: "test-secret"}
	presence := &mockPresence{}
	h := hub.New(func(s *hub.Session) { presence.Offline(s.UserID, s.DeviceID) }).
		WithOnAdded(func(s *hub.Session) { presence.Online(s.UserID, s.DeviceID, s.DeviceName) })
	r := relay.New(h, nil, time.Minute)

	handler := NewHandler(h, r, auth.NewVerifier(authCfg), config.RelayConfig{
		SendBuffer:      16,
		PingInterval:    time.Second,
		PongWait:        5 * time.Second,
		MessagesPerSec:  100,
		MessageBurst:    100,
		MaxMessageBytes: 1 << 16,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: h, presence: presence, signer: auth.NewSigner(authCfg)}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) token(t *testing.T, userID string) string {
	token, err := s.signer.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

// connect dials and authenticates a device.
func (s *testServer) connect(t *testing.T, userID, deviceID string) *websocket.Conn {
	conn := s.dial(t)
	send(t, conn, protocol.Auth{Token: s.token(t, userID), DeviceID: deviceID, DeviceName: deviceID})
	assert.Equal(t, protocol.AuthSuccess{}, read(t, conn))
	require.Eventually(t, func() bool { return s.hub.IsConnected(userID, deviceID) }, time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(msg)))
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// assertQuiet checks that nothing but the pong answering our ping is pending.
func assertQuiet(t *testing.T, conn *websocket.Conn) {
	send(t, conn, protocol.Ping{})
	assert.Equal(t, protocol.Pong{}, read(t, conn))
}

func TestHandler_ValidCredential(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.connect(t, "user-1", "A")

	assertQuiet(t, conn)
	srv.presence.mu.Lock()
	assert.Equal(t, []string{"A"}, srv.presence.online)
	srv.presence.mu.Unlock()
}

func TestHandler_InvalidCredential(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	send(t, conn, protocol.Auth{Token: "garbage", DeviceID: "A"})
	assert.Equal(t, protocol.AuthError{Reason: "malformed"}, read(t, conn))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close, got %v", err)
	assert.Equal(t, 0, srv.hub.Count())
}

func TestHandler_MissingDeviceID(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	send(t, conn, protocol.Auth{Token: srv.token(t, "user-1")})
	assert.Equal(t, protocol.AuthError{Reason: "missing device id"}, read(t, conn))
}

func TestHandler_MessageBeforeAuth(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	send(t, conn, protocol.Clipboard{Content: "early", ContentID: "1"})
	assert.Equal(t, protocol.AuthError{Reason: "not authenticated"}, read(t, conn))

	// Malformed frames are ignored without closing.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))

	send(t, conn, protocol.Auth{Token: srv.token(t, "user-1"), DeviceID: "A"})
	assert.Equal(t, protocol.AuthSuccess{}, read(t, conn))
}

func TestHandler_FanOut(t *testing.T) {
	srv := newTestServer(t)
	a := srv.connect(t, "user-1", "A")
	b := srv.connect(t, "user-1", "B")
	c := srv.connect(t, "user-1", "C")
	other := srv.connect(t, "user-2", "D")

	// The sender id on the wire is ignored in favour of the session's device.
	send(t, a, protocol.Clipboard{Content: "hello", ContentID: "1", DeviceID: "spoofed"})

	for _, conn := range []*websocket.Conn{b, c} {
		msg, ok := read(t, conn).(protocol.Clipboard)
		require.True(t, ok)
		assert.Equal(t, "1", msg.ContentID)
		assert.Equal(t, "A", msg.DeviceID)
		assert.Equal(t, "hello", msg.Content)
		assert.NotZero(t, msg.Timestamp)
	}
	assertQuiet(t, a)
	assertQuiet(t, other)

	// Redelivery of the same content id is not fanned out again.
	send(t, a, protocol.Clipboard{Content: "hello", ContentID: "1"})
	send(t, b, protocol.Receipt{ContentID: "1", DeviceID: "ignored"})
	assert.Equal(t, protocol.Receipt{ContentID: "1", DeviceID: "B"}, read(t, a))
	assert.Equal(t, protocol.Receipt{ContentID: "1", DeviceID: "B"}, read(t, c))
}

func TestHandler_CloseMarksOffline(t *testing.T) {
	srv := newTestServer(t)
	a := srv.connect(t, "user-1", "A")
	srv.connect(t, "user-1", "B")

	a.Close()

	require.Eventually(t, func() bool { return !srv.hub.IsConnected("user-1", "A") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.presence.Offlines()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A"}, srv.presence.Offlines())
	assert.True(t, srv.hub.IsConnected("user-1", "B"))
}

func TestHandler_ReconnectReplacesSession(t *testing.T) {
	srv := newTestServer(t)
	first := srv.connect(t, "user-1", "A")
	srv.connect(t, "user-1", "A")

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// The replaced session closing must not mark the device offline.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, srv.presence.Offlines())
	assert.True(t, srv.hub.IsConnected("user-1", "A"))
}

func TestHandler_ReauthForOtherUserCloses(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.connect(t, "user-1", "A")

	send(t, conn, protocol.Auth{Token: srv.token(t, "user-1"), DeviceID: "A"})
	assert.Equal(t, protocol.AuthSuccess{}, read(t, conn))

	send(t, conn, protocol.Auth{Token: srv.token(t, "user-2"), DeviceID: "A"})
	assert.Equal(t, protocol.AuthError{Reason: "token does not match session"}, read(t, conn))
	require.Eventually(t, func() bool { return !srv.hub.IsConnected("user-1", "A") }, time.Second, 5*time.Millisecond)
}
