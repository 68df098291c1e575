// Package session keeps one logical connection to the alert feed alive over
// an unreliable transport.
//
// A Manager dials asynchronously, hands every decoded inbound frame to a
// single message callback, and reconnects after unsolicited closes with a
// linear backoff (base, 2*base, ... up to MaxReconnectAttempts). Once the
// ceiling is reached it stops for good until Connect is called again. A
// deliberate Disconnect never reconnects.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/metrics"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 1000 * time.Millisecond
	DefaultHandshakeTimeout     = 10 * time.Second
)

// State is the transport readiness.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateReconnecting // closed with a reconnect scheduled
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Conn is one open transport. ReadMessage blocks until a frame arrives or
// the transport closes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Dialer               Dialer
	Clock                clockwork.Clock
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
}

// Manager owns the transport exclusively; it is never exposed to callers.
type Manager struct {
	dialer           Dialer
	clock            clockwork.Clock
	maxAttempts      int
	baseDelay        time.Duration
	handshakeTimeout time.Duration

	mu             sync.Mutex
	endpoint       string
	conn           Conn
	state          State
	generation     uint64 // bumped by Connect and Disconnect; older transports are ignored
	attempts       int
	exhausted      bool
	reconnectTimer clockwork.Timer
	onMessage      func(json.RawMessage)
	onConnect      func()
	onState        func(State)

	writeMu sync.Mutex
}

// New creates a Manager in the closed state.
func New(opts Options) *Manager {
	m := &Manager{
		dialer:           opts.Dialer,
		clock:            opts.Clock,
		maxAttempts:      opts.MaxReconnectAttempts,
		baseDelay:        opts.ReconnectDelay,
		handshakeTimeout: opts.HandshakeTimeout,
	}
	if m.dialer == nil {
		m.dialer = &WebSocketDialer{}
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxReconnectAttempts
	}
	if m.baseDelay <= 0 {
		m.baseDelay = DefaultReconnectDelay
	}
	if m.handshakeTimeout <= 0 {
		m.handshakeTimeout = DefaultHandshakeTimeout
	}
	return m
}

// SetMessageCallback registers the handler for decoded inbound frames,
// replacing any previous one.
func (m *Manager) SetMessageCallback(fn func(json.RawMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// SetConnectCallback registers the handler run after every successful open,
// replacing any previous one.
func (m *Manager) SetConnectCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = fn
}

// SetStateCallback registers the handler run on every state transition,
// replacing any previous one.
func (m *Manager) SetStateCallback(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// Connect starts opening a transport to endpoint and returns immediately.
// Callers serialize Connect and Disconnect; a transport that is already
// open is replaced. The reconnect budget starts over.
func (m *Manager) Connect(endpoint string) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.endpoint = endpoint
	m.attempts = 0
	m.exhausted = false
	m.stopReconnectLocked()
	old := m.conn
	m.conn = nil
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go m.open(gen, endpoint)
}

// Disconnect closes the transport, cancels any scheduled reconnect, and
// makes the close look deliberate so no reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	m.stopReconnectLocked()
	conn := m.conn
	m.conn = nil
	notify := m.setStateLocked(StateClosed)
	endpoint := m.endpoint
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logging.Debug("error closing transport", "endpoint", endpoint, "error", err)
		}
	}
	metrics.SessionOpen.Set(0)
	logging.Info("disconnected from alert feed", "endpoint", endpoint)
	notify()
}

// Send encodes message as JSON and writes it if the transport is open.
// Failures are logged and counted, never returned.
func (m *Manager) Send(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		metrics.SendsDropped.Inc()
		logging.Error("failed to encode outbound message", "error", err)
		return
	}

	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		metrics.SendsDropped.Inc()
		logging.Error("session is not connected, dropping outbound message", "bytes", len(data))
		return
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		metrics.SendsDropped.Inc()
		logging.Error("failed to send message", "error", err)
		return
	}
	logging.Trace("sent message", "bytes", len(data))
}

// State returns the current transport state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect attempts made since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Exhausted reports whether reconnection gave up.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

func (m *Manager) open(gen uint64, endpoint string) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateOpening)
	m.mu.Unlock()
	notify()

	logging.Debug("dialing alert feed", "endpoint", endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), m.handshakeTimeout)
	conn, err := m.dialer.Dial(ctx, endpoint)
	cancel()

	m.mu.Lock()
	if gen != m.generation {
		// Disconnected or reconnected elsewhere while dialing.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		logging.Warn("error connecting to alert feed", "endpoint", endpoint, "error", err)
		notify = m.setStateLocked(m.closedStateLocked(gen))
		m.mu.Unlock()
		notify()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.exhausted = false
	notify = m.setStateLocked(StateOpen)
	onConnect := m.onConnect
	m.mu.Unlock()

	metrics.SessionOpen.Set(1)
	logging.Info("connected to alert feed", "endpoint", endpoint)
	notify()
	if onConnect != nil {
		onConnect()
	}

	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, conn, err)
			return
		}

		var msg json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			metrics.FramesReceived.WithLabelValues("malformed").Inc()
			logging.Error("error parsing inbound message", "bytes", len(data), "error", err)
			continue
		}
		metrics.FramesReceived.WithLabelValues("decoded").Inc()
		logging.Trace("received message", "bytes", len(data))

		m.mu.Lock()
		handler := m.onMessage
		m.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// handleClose runs when a transport's reader stops. Only the current
// transport of the current generation triggers a reconnect.
func (m *Manager) handleClose(gen uint64, conn Conn, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.conn != conn {
		m.mu.Unlock()
		logging.Debug("reader stopped on a retired transport", "error", cause)
		return
	}
	m.conn = nil
	notify := m.setStateLocked(m.closedStateLocked(gen))
	endpoint := m.endpoint
	m.mu.Unlock()

	conn.Close()
	metrics.SessionOpen.Set(0)
	logging.Warn("alert feed connection lost", "endpoint", endpoint, "error", cause)
	notify()
}

// closedStateLocked schedules the next reconnect and returns the state an
// unsolicited close leaves the manager in.
func (m *Manager) closedStateLocked(gen uint64) State {
	if m.scheduleReconnectLocked(gen) {
		return StateReconnecting
	}
	return StateClosed
}

// scheduleReconnectLocked reports whether a reconnect was scheduled.
func (m *Manager) scheduleReconnectLocked(gen uint64) bool {
	if m.attempts >= m.maxAttempts {
		if !m.exhausted {
			m.exhausted = true
			metrics.ReconnectExhausted.Inc()
			logging.Error("max reconnection attempts reached", "attempts", m.attempts, "endpoint", m.endpoint)
		}
		return false
	}

	m.attempts++
	delay := m.baseDelay * time.Duration(m.attempts)
	endpoint := m.endpoint
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen, endpoint) })

	metrics.ReconnectAttempts.Inc()
	logging.Info("scheduling reconnect",
		"attempt", m.attempts,
		"max", m.maxAttempts,
		"delay", delay,
		"endpoint", endpoint,
	)
	return true
}

func (m *Manager) reconnect(gen uint64, endpoint string) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	m.open(gen, endpoint)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// setStateLocked records a transition and returns the notification to run
// once the lock is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	fn := m.onState
	if fn == nil {
		return func() {}
	}
	return func() { fn(s) }
}
