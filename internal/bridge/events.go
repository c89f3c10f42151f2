// Package bridge provides the connection manager that owns the WhatsApp
// client and drives its lifecycle.
package bridge

import (
	"fmt"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

// ClientEvent is an event reported by a MessagingClient.
type ClientEvent interface {
	clientEvent()
}

// QRReceived carries a fresh pairing challenge.
type QRReceived struct {
	Code string
}

// Paired is reported once the phone has scanned the challenge.
type Paired struct {
	PhoneNumber string
}

// ConnectionOpened is reported when the session is fully connected.
type ConnectionOpened struct {
	PhoneNumber string
}

// ConnectionClosed is reported when the connection ends for any reason.
type ConnectionClosed struct {
	Reason CloseReason
}

// MessageReceived carries an inbound text message.
type MessageReceived struct {
	WAID      string
	ChatID    string
	Sender    string
	PushName  string
	Body      string
	IsGroup   bool
	IsFromMe  bool
	Timestamp time.Time
}

func (QRReceived) clientEvent()       {}
func (Paired) clientEvent()           {}
func (ConnectionOpened) clientEvent() {}
func (ConnectionClosed) clientEvent() {}
func (MessageReceived) clientEvent()  {}

// CloseKind classifies why a connection closed.
type CloseKind int

const (
	CloseTransient CloseKind = iota
	CloseLoggedOut
	CloseReplaced
	CloseUnknown
)

// String returns the string representation of the close kind.
func (k CloseKind) String() string {
	switch k {
	case CloseTransient:
		return "transient"
	case CloseLoggedOut:
		return "logged_out"
	case CloseReplaced:
		return "connection_replaced"
	case CloseUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("close_kind(%d)", int(k))
	}
}

// CloseReason is the classified cause of a closed connection. Code is the
// protocol status code when one is known.
type CloseReason struct {
	Kind CloseKind
	Code int
	Err  error
}

func (r CloseReason) String() string {
	switch {
	case r.Kind == CloseUnknown && r.Code != 0:
		return fmt.Sprintf("unknown(%d)", r.Code)
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Kind, r.Err)
	default:
		return r.Kind.String()
	}
}

// Names of the events published on the EventSink.
const (
	EventQR            = "qr"
	EventAuthenticated = "authenticated"
	EventReady         = "ready"
	EventDisconnected  = "disconnected"
	EventError         = "error"
	EventMessage       = "message"
	EventState         = "state"
)

// QRPayload is published with EventQR.
type QRPayload struct {
	QR string `json:"qr"`
}

// ReadyPayload is published with EventReady.
type ReadyPayload struct {
	PhoneNumber string `json:"phoneNumber"`
}

// AuthenticatedPayload is published with EventAuthenticated.
type AuthenticatedPayload struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// DisconnectedPayload is published with EventDisconnected.
type DisconnectedPayload struct {
	Reason       string `json:"reason"`
	RequiresAuth bool   `json:"requiresAuth"`
}

// ErrorPayload is published with EventError.
type ErrorPayload struct {
	Code                    string `json:"code"`
	Message                 string `json:"message"`
	RequiresManualReconnect bool   `json:"requiresManualReconnect"`
}

// MessagePayload is published with EventMessage.
type MessagePayload struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	From     string `json:"from"`
	Body     string `json:"body"`
	IsFromMe bool   `json:"isFromMe"`
}

// StatePayload is published with EventState on every transition.
type StatePayload struct {
	From    state.State   `json:"from"`
	To      state.State   `json:"to"`
	Trigger state.Trigger `json:"trigger"`
}
