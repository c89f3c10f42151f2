// Package state provides the finite state machine for the gateway connection lifecycle.
package state

// State represents a connection state in the gateway lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingQR     State = "awaiting_qr"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateClosing        State = "closing"
	StateReconnecting   State = "reconnecting"
	StateFailed         State = "failed"
)

// All lists every state in lifecycle order.
var All = []State{
	StateIdle,
	StateAwaitingQR,
	StateAuthenticating,
	StateConnected,
	StateClosing,
	StateReconnecting,
	StateFailed,
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsLive returns true if a messaging client is attached in this state.
func (s State) IsLive() bool {
	switch s {
	case StateAwaitingQR, StateAuthenticating, StateConnected:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if only a manual action can leave the state.
func (s State) IsTerminal() bool {
	return s == StateFailed
}

// IsOperational returns true if messages can be sent.
func (s State) IsOperational() bool {
	return s == StateConnected
}
