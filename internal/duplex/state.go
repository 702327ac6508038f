package duplex

import "fmt"

// State is the lifecycle state of a [Controller].
type State int

const (
	// Idle is the state of a controller that has not been started.
	Idle State = iota

	// Connecting means capture, playback, and the session link are being
	// acquired.
	Connecting

	// Connected means the session link is open and capture is active.
	Connected

	// Closing means a stop was requested and teardown is under way.
	Closing

	// Closed is terminal. Every resource has been released.
	Closed

	// Error means an acquisition or transport failure forced teardown. It is
	// always followed by Closed.
	Error
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is Closed.
func (s State) Terminal() bool { return s == Closed }

// transitions lists the allowed edges of the lifecycle graph.
var transitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Connected, Closing, Error},
	Connected:  {Closing, Error},
	Closing:    {Closed},
	Error:      {Closed},
}

// canTransition reports whether from → to is an edge of the lifecycle graph.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
