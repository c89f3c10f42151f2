package bridge

import (
	"context"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

// MessagingClient is one connection to the messaging network. A client is
// used for a single connect cycle and then closed.
type MessagingClient interface {
	// Connect starts the connection. Progress is reported through the
	// event handler.
	Connect(ctx context.Context) error
	SendText(ctx context.Context, chatID, text string) (SentMessage, error)
	// Logout unlinks the device on the server and deletes local credentials.
	Logout(ctx context.Context) error
	ListGroups(ctx context.Context) ([]Group, error)
	// SetEventHandler must be called before Connect.
	SetEventHandler(handler func(ClientEvent))
	// Close drops the connection without logging out and detaches the handler.
	Close()
}

// ClientFactory creates messaging clients and owns the credential store
// behind them.
type ClientFactory interface {
	NewClient(ctx context.Context) (MessagingClient, error)
	// ClearAuth discards stored credentials so the next client pairs again.
	ClearAuth(ctx context.Context) error
}

// SentMessage is the server acknowledgement of a sent message.
type SentMessage struct {
	ID        string
	Timestamp time.Time
}

// Group is a group chat the account belongs to.
type Group struct {
	ID   string
	Name string
}

// EventSink publishes lifecycle events to subscribers. Emit must not block.
type EventSink interface {
	Emit(name string, payload any)
}

// SessionStore persists the connection status record.
type SessionStore interface {
	GetSession(ctx context.Context) (*store.SessionRecord, error)
	UpdateSession(ctx context.Context, update store.SessionUpdate) (*store.SessionRecord, error)
	DeleteSession(ctx context.Context) error
}

// Stores groups the persistence the manager writes to.
type Stores struct {
	Sessions SessionStore
	History  store.StateRepository
	Messages store.MessageRepository
	Contacts store.ContactRepository
}

// StoresOf returns the repositories of a SQLite store.
func StoresOf(db *store.SQLiteStore) Stores {
	return Stores{
		Sessions: db.Session,
		History:  db.State,
		Messages: db.Messages,
		Contacts: db.Contacts,
	}
}

// Observer receives counters from the manager.
type Observer interface {
	RecordMessageReceived()
	RecordMessageSent()
	RecordSendFailure()
	RecordReconnect(reason string, attempt int, delay time.Duration)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(string, any) {}

// MultiSink emits every event to each sink in order.
type MultiSink []EventSink

func (m MultiSink) Emit(name string, payload any) {
	for _, s := range m {
		s.Emit(name, payload)
	}
}
