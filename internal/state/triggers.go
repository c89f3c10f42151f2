package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerStart              Trigger = "start"
	TriggerQRReceived         Trigger = "qr_received"
	TriggerPaired             Trigger = "paired"
	TriggerConnectionOpened   Trigger = "connection_opened"
	TriggerConnectionLost     Trigger = "connection_lost"
	TriggerLoggedOut          Trigger = "logged_out"
	TriggerSessionReplaced    Trigger = "session_replaced"
	TriggerAttemptsExhausted  Trigger = "attempts_exhausted"
	TriggerRetry              Trigger = "retry"
	TriggerDisconnect         Trigger = "disconnect"
	TriggerClosed             Trigger = "closed"
	TriggerReconnectRequested Trigger = "reconnect_requested"
	TriggerShutdown           Trigger = "shutdown"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
