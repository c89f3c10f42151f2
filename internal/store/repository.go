package store

import (
	"context"
	"errors"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// DefaultMessageLimit is used when a caller asks for a non-positive limit.
const DefaultMessageLimit = 100

// SessionRepository persists the connection status record.
type SessionRepository interface {
	GetSession(ctx context.Context) (*SessionRecord, error)
	EnsureSession(ctx context.Context) (*SessionRecord, error)
	UpdateSession(ctx context.Context, update SessionUpdate) (*SessionRecord, error)
	DeleteSession(ctx context.Context) error
}

// MessageRepository defines operations for message persistence.
type MessageRepository interface {
	Store(ctx context.Context, msg *Message) error
	List(ctx context.Context, chatID string, limit int) ([]Message, error)
	Count(ctx context.Context, chatID string) (int, error)
}

// ContactRepository defines operations for contact persistence.
type ContactRepository interface {
	Upsert(ctx context.Context, contact *Contact) error
	GetByID(ctx context.Context, id string) (*Contact, error)
	List(ctx context.Context, limit int) ([]Contact, error)
	Count(ctx context.Context) (int, error)
}

// StateRepository defines operations for state persistence.
type StateRepository interface {
	GetState(ctx context.Context) (state.State, error)
	SaveState(ctx context.Context, s state.State) error
	LogTransition(ctx context.Context, from, to state.State, trigger string) error
	GetTransitionHistory(ctx context.Context, limit int) ([]Transition, error)
}
