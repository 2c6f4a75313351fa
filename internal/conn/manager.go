package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/clock"
	"github.com/matheus3301/pulse/internal/transport"
	"go.uber.org/zap"
)

// ErrNoToken is returned by Connect when no bearer token is available.
// There is no retry for this case: the session layer must supply a token
// before connecting.
var ErrNoToken = errors.New("no auth token available")

// ErrNotConnected is returned by Emit when no live connection exists.
var ErrNotConnected = errors.New("not connected")

// TokenSource supplies the session's bearer token.
type TokenSource interface {
	Token() (string, error)
}

// Config holds the connection manager's tunables.
type Config struct {
	BaseDelay         time.Duration // initial reconnect backoff
	MaxDelay          time.Duration // backoff cap
	PingInterval      time.Duration // keep-alive ping period while connected
	ReconcileInterval time.Duration // tracked-vs-actual state check period
	HandshakeTimeout  time.Duration // dial+auth deadline before forced retry
}

// Manager owns the transport connection for one authenticated session.
// It is created at session start, torn down at session end, and passed to
// consumers explicitly.
type Manager struct {
	dialer  transport.Dialer
	tokens  TokenSource
	bus     *bus.Bus
	machine *Machine
	clock   clock.Clock
	logger  *zap.Logger
	cfg     Config

	mu             sync.Mutex
	conn           transport.Conn
	gen            int // connection generation; bumped whenever conn becomes invalid
	attempts       int
	lastErr        error
	lastAttempt    time.Time
	userID         string
	closed         bool // graceful disconnect: terminal until next Connect
	reconnectTimer clock.Timer
	handshakeTimer clock.Timer
	pingTimer      clock.Timer
	reconcileTimer clock.Timer
}

// NewManager creates a connection manager. It does not connect.
func NewManager(dialer transport.Dialer, tokens TokenSource, b *bus.Bus, clk clock.Clock, logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		dialer:  dialer,
		tokens:  tokens,
		bus:     b,
		machine: NewMachine(b),
		clock:   clk,
		logger:  logger,
		cfg:     cfg,
		closed:  true,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// IsConnected reports whether the connection is established and authenticated.
func (m *Manager) IsConnected() bool {
	return m.machine.Current() == Connected
}

// UserID returns the authenticated user id, or empty if not connected.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// LastError returns the most recent transport or auth error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect starts the connection. It fails immediately, with no retry, if no
// bearer token is available. The dial itself runs in the background; progress
// is observable through conn.* bus events.
func (m *Manager) Connect() error {
	token, err := m.tokens.Token()
	if err != nil || token == "" {
		return ErrNoToken
	}

	// The transition doubles as the concurrency gate: of two racing
	// Connect calls only one leaves DISCONNECTED, the other sees an
	// invalid transition and backs off without disturbing the first.
	if err := m.machine.Transition(Connecting); err != nil {
		return nil
	}

	m.mu.Lock()
	m.closed = false
	m.gen++
	gen := m.gen
	m.startHandshakeTimerLocked(gen)
	m.startReconcileTimerLocked(gen)
	m.lastAttempt = m.clock.Now()
	m.mu.Unlock()

	go m.dial(gen, token)
	return nil
}

// Disconnect tears down the connection and cancels every timer. The manager
// stays disconnected until the next Connect call. The graceful flag controls
// whether the close is announced as user-initiated in the emitted event.
func (m *Manager) Disconnect(graceful bool) {
	m.mu.Lock()
	m.closed = true
	m.gen++
	m.stopTimersLocked()
	c := m.conn
	m.conn = nil
	m.userID = ""
	m.attempts = 0
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	if m.machine.Current() != Disconnected {
		_ = m.machine.Transition(Disconnected)
	}
	m.bus.Publish(bus.Event{
		Kind:      "conn.closed",
		Timestamp: m.clock.Now(),
		Payload:   graceful,
	})
	m.logger.Info("connection closed", zap.Bool("graceful", graceful))
}

// ForceReconnect drops any live or pending connection attempt and dials
// immediately, skipping the backoff delay. Used for manual retry and for
// network-regained notifications.
func (m *Manager) ForceReconnect() {
	token, err := m.tokens.Token()
	if err != nil || token == "" {
		m.logger.Warn("force reconnect without token")
		return
	}

	m.mu.Lock()
	m.closed = false
	m.gen++
	gen := m.gen
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}
	c := m.conn
	m.conn = nil
	m.userID = ""
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}

	switch m.machine.Current() {
	case Connected, Authenticating, Connecting:
		_ = m.machine.Transition(Reconnecting)
	}
	_ = m.machine.Transition(Connecting)

	m.mu.Lock()
	m.startHandshakeTimerLocked(gen)
	if m.reconcileTimer == nil {
		m.startReconcileTimerLocked(gen)
	}
	m.lastAttempt = m.clock.Now()
	m.mu.Unlock()

	go m.dial(gen, token)
}

// NotifyOnline is the hook for network-regained or wake-from-suspend
// signals: it checks connectivity and, if not connected, retries immediately
// without waiting for the pending backoff timer.
func (m *Manager) NotifyOnline() {
	if m.IsConnected() {
		return
	}
	m.logger.Info("connectivity regained, forcing reconnect")
	m.ForceReconnect()
}

// Emit sends a frame over the live connection, best effort. Callers that
// need durability must also persist through the REST collaborator.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	c := m.conn
	gen := m.gen
	m.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}
	f, err := transport.NewFrame(event, payload)
	if err != nil {
		return err
	}
	if err := c.WriteFrame(f); err != nil {
		m.connectionLost(gen, err)
		return err
	}
	return nil
}

func (m *Manager) dial(gen int, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	c, err := m.dialer.Dial(ctx, token)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		return
	}
	if err != nil {
		m.lastErr = err
		if m.handshakeTimer != nil {
			m.handshakeTimer.Stop()
			m.handshakeTimer = nil
		}
		m.mu.Unlock()
		m.logger.Warn("dial failed", zap.Error(err))
		_ = m.machine.Transition(Reconnecting)
		m.bus.Publish(bus.Event{Kind: "conn.error", Timestamp: m.clock.Now(), Payload: err})
		m.scheduleReconnect(gen)
		return
	}
	m.conn = c
	m.mu.Unlock()

	_ = m.machine.Transition(Authenticating)

	f, err := transport.NewFrame(transport.EventAuthenticate, &transport.Authenticate{Token: token})
	if err == nil {
		err = c.WriteFrame(f)
	}
	if err != nil {
		m.connectionLost(gen, err)
		return
	}

	go m.readLoop(gen, c)
}

func (m *Manager) readLoop(gen int, c transport.Conn) {
	for {
		f, err := c.ReadFrame()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		if stale := m.handleFrame(gen, f); stale {
			return
		}
	}
}

// handleFrame routes one inbound frame. It reports whether the reader is
// stale and should stop.
func (m *Manager) handleFrame(gen int, f *transport.Frame) bool {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	payload, err := transport.DecodePayload(f)
	if err != nil {
		// Malformed payloads are logged and skipped, never propagated.
		m.logger.Warn("malformed frame", zap.String("event", f.Event), zap.Error(err))
		return false
	}

	switch p := payload.(type) {
	case *transport.AuthSuccess:
		m.handleAuthSuccess(gen, p)
	case *transport.AuthFailed:
		m.handleAuthFailed(p)
	case *transport.Disconnect:
		m.logger.Warn("server requested disconnect", zap.String("reason", p.Reason))
		m.connectionLost(gen, errors.New("server disconnect: "+p.Reason))
		return true
	default:
		if payload == nil {
			m.logger.Debug("ignoring unknown event", zap.String("event", f.Event))
			return false
		}
		m.bus.Publish(bus.Event{
			Kind:      "ws." + f.Event,
			Timestamp: m.clock.Now(),
			Payload:   payload,
		})
	}
	return false
}

func (m *Manager) handleAuthSuccess(gen int, p *transport.AuthSuccess) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}
	m.userID = p.UserID
	m.attempts = 0
	m.lastErr = nil
	m.startPingTimerLocked(gen)
	m.mu.Unlock()

	_ = m.machine.Transition(Connected)
	m.logger.Info("authenticated", zap.String("user_id", p.UserID))
	m.bus.Publish(bus.Event{
		Kind:      "conn.connected",
		Timestamp: m.clock.Now(),
		Payload:   p.UserID,
	})
}

// handleAuthFailed treats authentication rejection as terminal: the
// connection is torn down, no retry is scheduled, and the session layer is
// told through conn.auth_failed so it can log out or refresh the token.
func (m *Manager) handleAuthFailed(p *transport.AuthFailed) {
	m.logger.Error("authentication failed", zap.String("message", p.Message))

	m.mu.Lock()
	m.closed = true
	m.gen++
	m.stopTimersLocked()
	c := m.conn
	m.conn = nil
	m.userID = ""
	m.lastErr = errors.New("authentication failed: " + p.Message)
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	_ = m.machine.Transition(Disconnected)
	m.bus.Publish(bus.Event{
		Kind:      "conn.auth_failed",
		Timestamp: m.clock.Now(),
		Payload:   p.Message,
	})
}

// connectionLost handles any non-local disconnect: read/write errors, server
// disconnect notices, handshake expiry. Stale generations are ignored so a
// replaced connection's reader cannot double-schedule reconnects.
func (m *Manager) connectionLost(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen = m.gen
	c := m.conn
	m.conn = nil
	m.userID = ""
	m.lastErr = err
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}

	m.logger.Warn("connection lost", zap.Error(err))
	if m.machine.Current() != Reconnecting {
		_ = m.machine.Transition(Reconnecting)
	}
	m.bus.Publish(bus.Event{
		Kind:      "conn.disconnected",
		Timestamp: m.clock.Now(),
		Payload:   err,
	})
	m.scheduleReconnect(gen)
}

// scheduleReconnect arms the single reconnect timer with the next backoff
// delay. A newer schedule supersedes an older pending one; two timers are
// never armed at once.
func (m *Manager) scheduleReconnect(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	delay := m.backoffDelayLocked()
	m.attempts++
	m.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempts))
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
}

// backoffDelayLocked computes min(base << attempts, cap).
func (m *Manager) backoffDelayLocked() time.Duration {
	delay := m.cfg.BaseDelay
	for i := 0; i < m.attempts; i++ {
		delay *= 2
		if delay >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	if delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	return delay
}

// retry is the reconnect timer callback: move back to Connecting and dial.
func (m *Manager) retry(gen int) {
	token, err := m.tokens.Token()

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	if err != nil || token == "" {
		m.mu.Unlock()
		m.logger.Error("token unavailable during reconnect")
		m.Disconnect(false)
		m.bus.Publish(bus.Event{Kind: "conn.auth_failed", Timestamp: m.clock.Now(), Payload: "token unavailable"})
		return
	}
	m.startHandshakeTimerLocked(gen)
	m.lastAttempt = m.clock.Now()
	m.mu.Unlock()

	_ = m.machine.Transition(Connecting)
	go m.dial(gen, token)
}

// startHandshakeTimerLocked forces a retry if the dial+auth handshake does
// not complete within the configured timeout.
func (m *Manager) startHandshakeTimerLocked(gen int) {
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
	}
	m.handshakeTimer = m.clock.AfterFunc(m.cfg.HandshakeTimeout, func() {
		m.logger.Warn("handshake timed out")
		m.connectionLost(gen, errors.New("handshake timeout"))
	})
}

// startPingTimerLocked arms the next keep-alive ping. Each fire sends a
// client_ping and re-arms, so dead connections surface as write errors.
func (m *Manager) startPingTimerLocked(gen int) {
	if m.pingTimer != nil {
		m.pingTimer.Stop()
	}
	m.pingTimer = m.clock.AfterFunc(m.cfg.PingInterval, func() {
		m.mu.Lock()
		if gen != m.gen || m.closed {
			m.mu.Unlock()
			return
		}
		c := m.conn
		m.startPingTimerLocked(gen)
		m.mu.Unlock()

		if c == nil {
			return
		}
		f, err := transport.NewFrame(transport.EventClientPing, &transport.ClientPing{
			Timestamp: m.clock.Now().UnixMilli(),
		})
		if err == nil {
			err = c.WriteFrame(f)
		}
		if err != nil {
			m.connectionLost(gen, err)
		}
	})
}

// startReconcileTimerLocked arms the periodic safety-net check comparing
// tracked state against the actual transport. It catches missed disconnect
// events (state says connected but no conn) and lost reconnect timers.
func (m *Manager) startReconcileTimerLocked(gen int) {
	if m.reconcileTimer != nil {
		m.reconcileTimer.Stop()
	}
	m.reconcileTimer = m.clock.AfterFunc(m.cfg.ReconcileInterval, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		gen = m.gen
		state := m.machine.Current()
		deadConn := state == Connected && m.conn == nil
		lostTimer := state == Reconnecting && m.reconnectTimer == nil
		m.startReconcileTimerLocked(gen)
		m.mu.Unlock()

		if deadConn {
			m.logger.Warn("reconcile: state connected but transport gone")
			m.connectionLost(gen, errors.New("reconcile: transport gone"))
		} else if lostTimer {
			m.logger.Warn("reconcile: reconnecting with no pending retry")
			m.scheduleReconnect(gen)
		}
	})
}

// stopTimersLocked cancels every scheduled timer so nothing fires against a
// stale or absent token after teardown.
func (m *Manager) stopTimersLocked() {
	for _, t := range []*clock.Timer{&m.reconnectTimer, &m.handshakeTimer, &m.pingTimer, &m.reconcileTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}
