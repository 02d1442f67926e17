// Package conn drives the connection to a conferencing room.
package conn

import "fmt"

type Phase int

const (
	Idle Phase = iota
	Connecting
	Connected
	Reconnecting
	Disconnected
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Reason explains a Disconnected state.
type Reason struct {
	Kind    ErrorKind `json:"kind"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// State is the single source of truth for the connection. Reason is set
// only in Disconnected.
type State struct {
	Phase  Phase   `json:"phase"`
	Reason *Reason `json:"reason,omitempty"`
}

func (s State) Busy() bool {
	return s.Phase == Connecting || s.Phase == Connected || s.Phase == Reconnecting
}

var transitions = map[Phase][]Phase{
	Idle:         {Connecting},
	Connecting:   {Connected, Disconnected, Idle},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
	Disconnected: {Connecting, Idle},
}

// Next returns the state after moving to phase, or an error when the move is illegal.
func (s State) Next(to Phase, reason *Reason) (State, error) {
	for _, p := range transitions[s.Phase] {
		if p == to {
			if to != Disconnected {
				reason = nil
			}
			return State{Phase: to, Reason: reason}, nil
		}
	}
	return s, fmt.Errorf("illegal transition %s -> %s", s.Phase, to)
}
