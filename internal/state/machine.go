package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with the gateway's transition table.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine() *Machine {
	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(StateIdle)

	sm.Configure(StateIdle).
		Permit(TriggerStart, StateAwaitingQR).
		Permit(TriggerDisconnect, StateClosing).
		Permit(TriggerShutdown, StateClosing)

	// QR rotations re-enter so every challenge shows up in the history.
	sm.Configure(StateAwaitingQR).
		PermitReentry(TriggerQRReceived).
		Permit(TriggerPaired, StateAuthenticating).
		Permit(TriggerConnectionOpened, StateConnected).
		Permit(TriggerConnectionLost, StateReconnecting).
		Permit(TriggerLoggedOut, StateReconnecting).
		Permit(TriggerSessionReplaced, StateFailed).
		Permit(TriggerAttemptsExhausted, StateFailed).
		Permit(TriggerReconnectRequested, StateIdle).
		Permit(TriggerDisconnect, StateClosing).
		Permit(TriggerShutdown, StateClosing)

	sm.Configure(StateAuthenticating).
		Permit(TriggerConnectionOpened, StateConnected).
		Permit(TriggerConnectionLost, StateReconnecting).
		Permit(TriggerLoggedOut, StateReconnecting).
		Permit(TriggerSessionReplaced, StateFailed).
		Permit(TriggerAttemptsExhausted, StateFailed).
		Permit(TriggerReconnectRequested, StateIdle).
		Permit(TriggerDisconnect, StateClosing).
		Permit(TriggerShutdown, StateClosing)

	sm.Configure(StateConnected).
		Permit(TriggerConnectionLost, StateReconnecting).
		Permit(TriggerLoggedOut, StateReconnecting).
		Permit(TriggerSessionReplaced, StateFailed).
		Permit(TriggerAttemptsExhausted, StateFailed).
		Permit(TriggerReconnectRequested, StateIdle).
		Permit(TriggerDisconnect, StateClosing).
		Permit(TriggerShutdown, StateClosing)

	sm.Configure(StateReconnecting).
		Permit(TriggerRetry, StateAwaitingQR).
		Permit(TriggerReconnectRequested, StateIdle).
		Permit(TriggerDisconnect, StateClosing).
		Permit(TriggerShutdown, StateClosing)

	// Failed is left only by an operator.
	sm.Configure(StateFailed).
		Permit(TriggerReconnectRequested, StateIdle).
		Permit(TriggerDisconnect, StateClosing).
		Permit(TriggerShutdown, StateClosing)

	sm.Configure(StateClosing).
		Permit(TriggerClosed, StateIdle)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	return m.sm.FireCtx(ctx, trigger, args...)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger, args ...any) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger, args...)
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}

// IsConnected returns true if the gateway can send messages.
func (m *Machine) IsConnected() bool {
	return m.MustState().IsOperational()
}
