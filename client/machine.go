package client

import (
	"time"

	"github.com/infigaming-com/go-realtime/internal/backoff"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

type ReconnectPolicy struct {
	// AutoReconnect reconnects after an unexpected close or failed dial.
	AutoReconnect bool
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	// MaxAttempts bounds consecutive failed attempts; 0 means unlimited.
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		AutoReconnect: true,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2,
	}
}

// Delay is min(InitialDelay * Multiplier^attempts, MaxDelay) for a policy
// that has already failed attempts times.
func (p ReconnectPolicy) Delay(attempts int) time.Duration {
	return backoff.Config{Initial: p.InitialDelay, Max: p.MaxDelay, Multiplier: p.Multiplier}.Delay(attempts + 1)
}

// Step is what the caller must do after a transport drop.
type Step struct {
	Reconnect bool
	Delay     time.Duration
	// Exhausted is set when MaxAttempts was reached and the machine gave up.
	Exhausted bool
}

// Machine is the reconnect state machine. It performs no I/O and is not
// safe for concurrent use; Client serializes access to it.
type Machine struct {
	policy   ReconnectPolicy
	state    State
	attempts int
}

func NewMachine(p ReconnectPolicy) *Machine {
	return &Machine{policy: p}
}

func (m *Machine) State() State  { return m.state }
func (m *Machine) Attempts() int { return m.attempts }

// Connect moves Closed or Reconnecting to Connecting. It reports false when
// a connection is already open or being opened. Connecting from Closed
// starts a fresh attempt budget.
func (m *Machine) Connect() bool {
	switch m.state {
	case StateClosed:
		m.attempts = 0
		m.state = StateConnecting
		return true
	case StateReconnecting:
		m.state = StateConnecting
		return true
	default:
		return false
	}
}

// Opened records an established transport and resets the backoff.
func (m *Machine) Opened() {
	m.state = StateOpen
	m.attempts = 0
}

// Dropped records a closed transport or a failed dial.
func (m *Machine) Dropped() Step {
	if m.state == StateClosed {
		return Step{}
	}
	if !m.policy.AutoReconnect {
		m.state = StateClosed
		m.attempts = 0
		return Step{}
	}
	if m.policy.MaxAttempts > 0 && m.attempts >= m.policy.MaxAttempts {
		m.state = StateClosed
		return Step{Exhausted: true}
	}
	delay := m.policy.Delay(m.attempts)
	m.attempts++
	m.state = StateReconnecting
	return Step{Reconnect: true, Delay: delay}
}

// Disconnect is a user-initiated close from any state.
func (m *Machine) Disconnect() {
	m.state = StateClosed
	m.attempts = 0
}
