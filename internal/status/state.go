// Package status tracks where the daemon is in its life: starting, running
// startup recovery, and then following the network.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xxmessenger/courier/internal/bus"
)

// State is a daemon runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Recovering State = "RECOVERING"
	Offline    State = "OFFLINE"
	Online     State = "ONLINE"
	Error      State = "ERROR"
)

var next = map[State][]State{
	Booting:    {Recovering, Error},
	Recovering: {Offline, Error},
	Offline:    {Online, Error},
	Online:     {Offline, Error},
	Error:      {Booting},
}

// TransitionError reports a move the machine does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid daemon transition %s -> %s", e.From, e.To)
}

// Machine holds the current state and publishes every change.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine starts in Booting. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, since: time.Now(), bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to the given state, or returns a *TransitionError.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !slices.Contains(next[from], to) {
		return &TransitionError{From: from, To: to}
	}
	m.current = to
	m.since = time.Now()
	m.bus.Emit(bus.DaemonStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload of bus.DaemonStatusChanged events.
type StatusChange struct {
	From State
	To   State
}
