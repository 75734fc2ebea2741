// Package client runs one device's connection to the relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"clipsync/internal/protocol"
)

// ErrNotConnected is returned by Send unless the manager is Connected.
var ErrNotConnected = errors.New("not connected")

const writeTimeout = 10 * time.Second

// State is a connection lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateErroring       State = "erroring"
)

// Status is what the manager reports to its host. Terminal means automatic
// retries are exhausted; only Connect starts over.
type Status struct {
	State     State
	Attempt   int
	Terminal  bool
	LoggedOut bool
	Err       error
}

// Options configures a Manager.
type Options struct {
	URL        string
	DeviceID   string
	DeviceName string
	Tokens     TokenSource
	Dialer     Dialer

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// OnStatus is called after every state change, in order, never with
	// the manager's lock held. It may call back into the manager.
	OnStatus func(Status)
	// OnMessage receives clipboard and receipt messages while Connected.
	OnMessage func(protocol.Message)
}

type timer interface {
	Stop() bool
}

// Manager owns the lifecycle of one device connection:
//
//	Disconnected -> Connecting -> Authenticating -> Connected -> Disconnected
//
// with dial failures passing through Erroring. All transitions happen under
// mu; goroutines started for a connection carry the generation they belong to
// and give up as soon as it is no longer current.
type Manager struct {
	opts Options

	mu        sync.Mutex
	state     State
	attempt   int
	terminal  bool
	loggedOut bool
	lastErr   error
	gen       uint64
	conn      Conn
	cancel    context.CancelFunc
	retry     timer
	ping      timer
	pong      timer
	pending   []Status
	notifying bool

	afterFunc func(time.Duration, func()) timer
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts,
		state: StateDisconnected,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Backoff returns min(initial * 2^attempt, max).
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		// Doubling past max/2 would overshoot; stop before it can overflow.
		if d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Connect starts a connection attempt. It is a no-op while an attempt is in
// flight or the manager is connected. It also clears a terminal or
// logged-out status.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.loggedOut = false
	if m.terminal {
		m.terminal = false
		m.attempt = 0
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.stopRetry()
	m.startAttempt()
	m.mu.Unlock()
	m.flush()
}

// Resume connects right away if the manager is idle between retries, for
// example when the host returns to the foreground.
func (m *Manager) Resume() {
	m.mu.Lock()
	if m.state != StateDisconnected || m.terminal || m.loggedOut {
		m.mu.Unlock()
		return
	}
	m.stopRetry()
	m.startAttempt()
	m.mu.Unlock()
	m.flush()
}

// Disconnect closes the transport and cancels all timers. Resume or Connect
// bring the connection back.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardown()
	m.stopRetry()
	m.setState(StateDisconnected)
	m.mu.Unlock()
	m.flush()
}

// Logout disconnects and stops retrying until the next Connect.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.teardown()
	m.stopRetry()
	m.attempt = 0
	m.terminal = false
	m.loggedOut = true
	m.setState(StateDisconnected)
	m.mu.Unlock()
	m.flush()
}

// Send writes msg on the live connection. It never queues.
func (m *Manager) Send(msg protocol.Message) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := m.write(conn, data); err != nil {
		m.connectionLost(gen, err)
		return fmt.Errorf("sending %s: %w", msg.Type(), err)
	}
	return nil
}

// startAttempt begins a new connection. Caller holds mu.
func (m *Manager) startAttempt() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setState(StateConnecting)
	go m.run(ctx, gen)
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.lastErr = err
		m.setState(StateErroring)
		m.teardown()
		m.setState(StateDisconnected)
		m.scheduleRetry()
		m.mu.Unlock()
		m.flush()
		return
	}
	m.conn = conn
	m.setState(StateAuthenticating)
	m.mu.Unlock()
	m.flush()

	token, err := m.opts.Tokens.Token()
	if err != nil {
		m.connectionLost(gen, fmt.Errorf("loading token: %w", err))
		return
	}
	auth := protocol.Auth{Token: token, DeviceID: m.opts.DeviceID, DeviceName: m.opts.DeviceName}
	if err := m.write(conn, protocol.MustEncode(auth)); err != nil {
		m.connectionLost(gen, fmt.Errorf("sending auth: %w", err))
		return
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("Ignoring message from relay: %v", err)
			continue
		}
		m.handle(ctx, gen, conn, msg)
	}
}

func (m *Manager) handle(ctx context.Context, gen uint64, conn Conn, msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.AuthSuccess:
		m.mu.Lock()
		if gen == m.gen && m.state == StateAuthenticating {
			m.attempt = 0
			m.lastErr = nil
			m.stopRetry()
			m.setState(StateConnected)
			m.schedulePing(gen)
		}
		m.mu.Unlock()
		m.flush()

	case protocol.AuthError:
		m.authRejected(ctx, gen, msg.Reason)

	case protocol.Ping:
		if err := m.write(conn, protocol.MustEncode(protocol.Pong{})); err != nil {
			m.connectionLost(gen, err)
		}

	case protocol.Pong:
		m.mu.Lock()
		if gen == m.gen && m.pong != nil {
			m.pong.Stop()
			m.pong = nil
			m.schedulePing(gen)
		}
		m.mu.Unlock()

	case protocol.Clipboard, protocol.Receipt:
		m.mu.Lock()
		live := gen == m.gen && m.state == StateConnected
		m.mu.Unlock()
		if live && m.opts.OnMessage != nil {
			m.opts.OnMessage(msg)
		}

	default:
		log.Printf("Ignoring %s message from relay", msg.Type())
	}
}

// authRejected tries one credential refresh, then falls back to the normal
// retry schedule. A failed refresh costs an extra backoff step.
func (m *Manager) authRejected(ctx context.Context, gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = fmt.Errorf("authentication rejected: %s", reason)
	m.mu.Unlock()

	_, refreshErr := m.opts.Tokens.Refresh(ctx)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if refreshErr != nil {
		log.Printf("Credential refresh failed: %v", refreshErr)
		m.attempt++
	}
	m.teardown()
	m.setState(StateDisconnected)
	m.scheduleRetry()
	m.mu.Unlock()
	m.flush()
}

// connectionLost handles transport failure of generation gen.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	m.teardown()
	m.setState(StateDisconnected)
	m.scheduleRetry()
	m.mu.Unlock()
	m.flush()
}

// scheduleRetry arms the backoff timer, or marks the manager terminal once
// the attempts are used up. Caller holds mu.
func (m *Manager) scheduleRetry() {
	if m.loggedOut {
		return
	}
	if m.attempt >= m.opts.MaxAttempts {
		m.terminal = true
		m.emit()
		log.Printf("Giving up after %d attempts", m.attempt)
		return
	}

	delay := Backoff(m.attempt, m.opts.InitialBackoff, m.opts.MaxBackoff)
	m.attempt++
	gen := m.gen
	m.retry = m.afterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.state != StateDisconnected || m.terminal || m.loggedOut {
			m.mu.Unlock()
			return
		}
		m.retry = nil
		m.startAttempt()
		m.mu.Unlock()
		m.flush()
	})
}

// schedulePing arms the next heartbeat. Caller holds mu.
func (m *Manager) schedulePing(gen uint64) {
	m.ping = m.afterFunc(m.opts.HeartbeatInterval, func() {
		m.mu.Lock()
		if gen != m.gen || m.state != StateConnected {
			m.mu.Unlock()
			return
		}
		conn := m.conn
		m.pong = m.afterFunc(m.opts.HeartbeatTimeout, func() {
			m.connectionLost(gen, errors.New("heartbeat timeout"))
		})
		m.mu.Unlock()

		if err := m.write(conn, protocol.MustEncode(protocol.Ping{})); err != nil {
			m.connectionLost(gen, err)
		}
	})
}

// teardown invalidates the current generation and releases its transport
// and heartbeat timers. Caller holds mu.
func (m *Manager) teardown() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	for _, t := range []*timer{&m.ping, &m.pong} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) write(conn Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, data)
}

// setState moves to s and queues a status update. Caller holds mu.
func (m *Manager) setState(s State) {
	if m.state == s && s != StateDisconnected {
		return
	}
	m.state = s
	m.emit()
}

func (m *Manager) emit() {
	m.pending = append(m.pending, m.statusLocked())
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:     m.state,
		Attempt:   m.attempt,
		Terminal:  m.terminal,
		LoggedOut: m.loggedOut,
		Err:       m.lastErr,
	}
}

// flush delivers queued status updates in order. Only one goroutine
// delivers at a time; a concurrent or re-entrant caller leaves its updates
// to the one already delivering.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		if m.opts.OnStatus != nil {
			for _, s := range batch {
				m.opts.OnStatus(s)
			}
		}
		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}
