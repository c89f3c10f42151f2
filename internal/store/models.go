// Package store provides data persistence for the gateway.
package store

import (
	"errors"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

// Message is a stored chat message, inbound or outbound.
type Message struct {
	ID        string    `json:"id"`
	WAID      string    `json:"waId,omitempty"`
	ChatID    string    `json:"chatId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	IsFromMe  bool      `json:"isFromMe"`
}

// Contact is a person or group the account has exchanged messages with.
type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Number    string    `json:"number,omitempty"`
	PushName  string    `json:"pushname,omitempty"`
	IsGroup   bool      `json:"isGroup"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionRecord is the single mutable connection status row.
type SessionRecord struct {
	PhoneNumber     *string    `json:"phoneNumber"`
	IsConnected     bool       `json:"isConnected"`
	QRChallenge     *string    `json:"qrCode"`
	LastConnectedAt *time.Time `json:"lastConnected"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

var (
	errConnectedWithoutPhone = errors.New("session: connected record requires a phone number")
	errConnectedWithQR       = errors.New("session: connected record cannot carry a QR challenge")
)

// Validate enforces the record invariants: a connected record has a phone
// number and no pending QR challenge.
func (r *SessionRecord) Validate() error {
	if r.IsConnected && (r.PhoneNumber == nil || *r.PhoneNumber == "") {
		return errConnectedWithoutPhone
	}
	if r.IsConnected && r.QRChallenge != nil {
		return errConnectedWithQR
	}
	return nil
}

// SessionUpdate is a partial update. Nil fields are left unchanged; a
// pointer to the zero value clears the field.
type SessionUpdate struct {
	PhoneNumber     *string
	IsConnected     *bool
	QRChallenge     *string
	LastConnectedAt *time.Time
}

// Apply returns rec with the update applied.
func (u SessionUpdate) Apply(rec SessionRecord) SessionRecord {
	if u.PhoneNumber != nil {
		rec.PhoneNumber = nonEmpty(*u.PhoneNumber)
	}
	if u.IsConnected != nil {
		rec.IsConnected = *u.IsConnected
	}
	if u.QRChallenge != nil {
		rec.QRChallenge = nonEmpty(*u.QRChallenge)
	}
	if u.LastConnectedAt != nil {
		if u.LastConnectedAt.IsZero() {
			rec.LastConnectedAt = nil
		} else {
			t := *u.LastConnectedAt
			rec.LastConnectedAt = &t
		}
	}
	return rec
}

// ClearConnection is the update applied whenever a live connection ends:
// the account is no longer connected and no QR challenge is outstanding.
func ClearConnection() SessionUpdate {
	f := false
	empty := ""
	return SessionUpdate{IsConnected: &f, QRChallenge: &empty}
}

// ClearAll additionally forgets the phone number, used when credentials
// are discarded.
func ClearAll() SessionUpdate {
	u := ClearConnection()
	empty := ""
	u.PhoneNumber = &empty
	return u
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Transition represents a state machine transition record.
type Transition struct {
	ID        int64       `json:"id"`
	FromState state.State `json:"fromState"`
	ToState   state.State `json:"toState"`
	Trigger   string      `json:"trigger"`
	Timestamp time.Time   `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}
