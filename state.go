package mqttasync

import "sync/atomic"

// State is the connection state of a Client.
type State uint32

// Client states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// stateMachine handles atomic state transitions.
type stateMachine struct {
	state atomic.Uint32
}

func (sm *stateMachine) get() State {
	return State(sm.state.Load())
}

// set unconditionally sets the state and returns the previous one.
func (sm *stateMachine) set(s State) State {
	return State(sm.state.Swap(uint32(s)))
}

// transition moves from one state to another. It returns false, leaving
// the state unchanged, if the current state is not from.
func (sm *stateMachine) transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

// transitionFrom moves to the target state from any of the given states.
func (sm *stateMachine) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}
