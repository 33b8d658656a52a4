package beacon

import (
	"fmt"
	"time"
)

// Phase is the coarse lifecycle position of a Connection
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnecting:
		return "disconnecting"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the connection state machine.
// Attempt and Deadline are set while Connecting; Err is set once Disconnected.
type State struct {
	Phase    Phase
	Attempt  int
	Deadline time.Time
	Err      error
}

// Reason returns the disconnect reason, or ReasonUnknown when not disconnected
func (s State) Reason() Reason {
	if s.Phase != PhaseDisconnected {
		return ReasonUnknown
	}
	return ReasonOf(s.Err)
}

// Terminal reports whether the state can no longer change
func (s State) Terminal() bool {
	return s.Phase == PhaseDisconnected
}

func (s State) String() string {
	switch s.Phase {
	case PhaseConnecting:
		return fmt.Sprintf("connecting(attempt=%d, deadline=%s)", s.Attempt, s.Deadline.Format(time.RFC3339))
	case PhaseDisconnected:
		if s.Err != nil {
			return fmt.Sprintf("disconnected(%s)", s.Reason())
		}
		return "disconnected"
	default:
		return s.Phase.String()
	}
}
