package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fireAll(t *testing.T, m *Machine, triggers ...Trigger) {
	t.Helper()
	ctx := context.Background()
	for _, tr := range triggers {
		require.NoError(t, m.Fire(ctx, tr), "trigger %s", tr)
	}
}

func TestNewMachine(t *testing.T) {
	m := NewMachine()
	require.NotNil(t, m)

	state, err := m.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestMachine_QRFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	fireAll(t, m, TriggerStart)
	state, _ := m.State(ctx)
	assert.Equal(t, StateAwaitingQR, state)

	// QR rotations stay in AwaitingQR
	fireAll(t, m, TriggerQRReceived, TriggerQRReceived)
	state, _ = m.State(ctx)
	assert.Equal(t, StateAwaitingQR, state)

	fireAll(t, m, TriggerPaired)
	state, _ = m.State(ctx)
	assert.Equal(t, StateAuthenticating, state)

	fireAll(t, m, TriggerConnectionOpened)
	state, _ = m.State(ctx)
	assert.Equal(t, StateConnected, state)
	assert.True(t, m.IsConnected())
}

func TestMachine_StoredSessionFlow(t *testing.T) {
	m := NewMachine()

	// A device with stored credentials opens without a QR challenge.
	fireAll(t, m, TriggerStart, TriggerConnectionOpened)
	assert.Equal(t, StateConnected, m.MustState())
}

func TestMachine_ReconnectionFlow(t *testing.T) {
	m := NewMachine()

	fireAll(t, m, TriggerStart, TriggerConnectionOpened, TriggerConnectionLost)
	assert.Equal(t, StateReconnecting, m.MustState())

	fireAll(t, m, TriggerRetry)
	assert.Equal(t, StateAwaitingQR, m.MustState())

	fireAll(t, m, TriggerConnectionOpened)
	assert.Equal(t, StateConnected, m.MustState())
}

func TestMachine_LoggedOutReauth(t *testing.T) {
	m := NewMachine()

	fireAll(t, m, TriggerStart, TriggerConnectionOpened, TriggerLoggedOut)
	assert.Equal(t, StateReconnecting, m.MustState())

	fireAll(t, m, TriggerRetry, TriggerQRReceived)
	assert.Equal(t, StateAwaitingQR, m.MustState())
}

func TestMachine_FailedStates(t *testing.T) {
	tests := []struct {
		name     string
		triggers []Trigger
	}{
		{
			name:     "session replaced while connected",
			triggers: []Trigger{TriggerStart, TriggerConnectionOpened, TriggerSessionReplaced},
		},
		{
			name:     "session replaced while awaiting qr",
			triggers: []Trigger{TriggerStart, TriggerQRReceived, TriggerSessionReplaced},
		},
		{
			name:     "attempts exhausted while authenticating",
			triggers: []Trigger{TriggerStart, TriggerPaired, TriggerAttemptsExhausted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			fireAll(t, m, tt.triggers...)
			assert.Equal(t, StateFailed, m.MustState())
			assert.True(t, m.MustState().IsTerminal())
		})
	}
}

func TestMachine_FailedRequiresManualAction(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()
	fireAll(t, m, TriggerStart, TriggerConnectionOpened, TriggerSessionReplaced)

	for _, tr := range []Trigger{TriggerStart, TriggerRetry, TriggerConnectionOpened, TriggerQRReceived} {
		ok, err := m.CanFire(ctx, tr)
		require.NoError(t, err)
		assert.False(t, ok, "trigger %s should not leave Failed", tr)
	}

	fireAll(t, m, TriggerReconnectRequested)
	assert.Equal(t, StateIdle, m.MustState())
	fireAll(t, m, TriggerStart)
	assert.Equal(t, StateAwaitingQR, m.MustState())
}

func TestMachine_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	// Cannot open a connection that was never started
	err := m.Fire(ctx, TriggerConnectionOpened)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, m.MustState())

	// Retry only makes sense while a timer is pending
	fireAll(t, m, TriggerStart)
	err = m.Fire(ctx, TriggerRetry)
	assert.Error(t, err)
}

func TestMachine_DisconnectFromAnyState(t *testing.T) {
	tests := []struct {
		name      string
		setup     []Trigger
		fromState State
	}{
		{name: "from idle", setup: nil, fromState: StateIdle},
		{name: "from awaiting qr", setup: []Trigger{TriggerStart}, fromState: StateAwaitingQR},
		{name: "from authenticating", setup: []Trigger{TriggerStart, TriggerPaired}, fromState: StateAuthenticating},
		{name: "from connected", setup: []Trigger{TriggerStart, TriggerConnectionOpened}, fromState: StateConnected},
		{name: "from reconnecting", setup: []Trigger{TriggerStart, TriggerConnectionLost}, fromState: StateReconnecting},
		{name: "from failed", setup: []Trigger{TriggerStart, TriggerSessionReplaced}, fromState: StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			fireAll(t, m, tt.setup...)
			assert.Equal(t, tt.fromState, m.MustState())

			fireAll(t, m, TriggerDisconnect)
			assert.Equal(t, StateClosing, m.MustState())

			fireAll(t, m, TriggerClosed)
			assert.Equal(t, StateIdle, m.MustState())
		})
	}
}

func TestMachine_ClosingIgnoresLifecycleTriggers(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()
	fireAll(t, m, TriggerStart, TriggerDisconnect)

	for _, tr := range []Trigger{TriggerStart, TriggerReconnectRequested, TriggerConnectionLost, TriggerDisconnect} {
		ok, err := m.CanFire(ctx, tr)
		require.NoError(t, err)
		assert.False(t, ok, "trigger %s", tr)
	}
}

func TestMachine_OnTransitionCallback(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	var transitions []struct {
		from    State
		to      State
		trigger Trigger
	}

	m.OnTransition(func(ctx context.Context, from, to State, trigger Trigger) {
		transitions = append(transitions, struct {
			from    State
			to      State
			trigger Trigger
		}{from, to, trigger})
	})

	_ = m.Fire(ctx, TriggerStart)
	_ = m.Fire(ctx, TriggerQRReceived)
	_ = m.Fire(ctx, TriggerConnectionOpened)

	require.Len(t, transitions, 3)
	assert.Equal(t, StateIdle, transitions[0].from)
	assert.Equal(t, StateAwaitingQR, transitions[0].to)
	assert.Equal(t, TriggerStart, transitions[0].trigger)
	assert.Equal(t, StateAwaitingQR, transitions[1].from)
	assert.Equal(t, StateAwaitingQR, transitions[1].to)
}

func TestState_Predicates(t *testing.T) {
	for _, s := range All {
		assert.Equal(t, s == StateConnected, s.IsOperational(), s.String())
		assert.Equal(t, s == StateFailed, s.IsTerminal(), s.String())
	}
	assert.True(t, StateAwaitingQR.IsLive())
	assert.True(t, StateAuthenticating.IsLive())
	assert.False(t, StateReconnecting.IsLive())
	assert.False(t, StateClosing.IsLive())
}
