// Package conn owns the single realtime transport connection for a session:
// the auth handshake, reconnection backoff, keep-alive pings, and the
// connection state machine. Only this package mutates connection state;
// other components read it or subscribe to conn.* events on the bus.
package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Disconnected   State = "DISCONNECTED"
	Connecting     State = "CONNECTING"
	Authenticating State = "AUTHENTICATING"
	Connected      State = "CONNECTED"
	Reconnecting   State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. Disconnected is
// reachable from every state (explicit disconnect is always permitted).
var validTransitions = map[State][]State{
	Disconnected:   {Connecting},
	Connecting:     {Authenticating, Reconnecting, Disconnected},
	Authenticating: {Connected, Reconnecting, Disconnected},
	Connected:      {Reconnecting, Disconnected},
	Reconnecting:   {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		current := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", current, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.state_changed",
			Timestamp: time.Now(),
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StateChange is the payload for conn.state_changed events.
type StateChange struct {
	From State
	To   State
}
