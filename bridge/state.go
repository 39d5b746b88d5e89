package bridge

import "time"

type State int

const (
	StateSubscribing State = iota
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is a point-in-time view of one bridge subscription.
type Info struct {
	Channel      string
	State        State
	Refcount     int
	Attempts     int
	LastError    string
	LastActivity time.Time
}
