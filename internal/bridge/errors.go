package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("whatsapp not connected")
	// ErrDeliveryFailed matches every *DeliveryError.
	ErrDeliveryFailed = errors.New("message delivery failed")
	// ErrAuthExpired marks a logged-out session. It is recovered by pairing
	// again and only surfaces in status reports.
	ErrAuthExpired = errors.New("whatsapp session logged out")
	// ErrSessionConflict means another client took over the session.
	ErrSessionConflict = errors.New("whatsapp session opened elsewhere")
	// ErrConnectFailure is reported once reconnect attempts are exhausted.
	ErrConnectFailure = errors.New("whatsapp connection failed")
	// ErrDisconnecting is returned while a manual disconnect is in progress.
	ErrDisconnecting = errors.New("disconnect in progress")
	// ErrClosed is returned after the manager has been shut down.
	ErrClosed = errors.New("connection manager closed")
)

// DeliveryError wraps a send failure reported by the messaging client.
type DeliveryError struct {
	ChatID string
	Cause  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to send message to %s: %v", e.ChatID, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrDeliveryFailed) hold for any DeliveryError.
func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

// Error codes carried in "error" event payloads.
const (
	CodeSessionConflict = "SESSION_CONFLICT"
	CodeConnectFailure  = "CONNECT_FAILURE"
)
