package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

const (
	userServer  = "@s.whatsapp.net"
	groupServer = "@g.us"
)

// NormalizeChatID turns a bare phone number into a user JID. IDs that
// already carry a server part are returned unchanged.
func NormalizeChatID(to string) string {
	to = strings.TrimSpace(to)
	if to == "" || strings.Contains(to, "@") {
		return to
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	return digits + userServer
}

// numberOf returns the user part of a JID.
func numberOf(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	return user
}

// Relay maps message traffic onto stored messages and contacts.
type Relay struct {
	messages store.MessageRepository
	contacts store.ContactRepository
	sink     EventSink
	log      *slog.Logger
}

// NewRelay creates a relay writing to the given repositories.
func NewRelay(messages store.MessageRepository, contacts store.ContactRepository, sink EventSink, log *slog.Logger) *Relay {
	if sink == nil {
		sink = NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		messages: messages,
		contacts: contacts,
		sink:     sink,
		log:      log.With("component", "relay"),
	}
}

// Inbound stores a received message and publishes it. Own messages and
// messages without text are skipped and return nil.
func (r *Relay) Inbound(ctx context.Context, evt MessageReceived, self string) (*store.Message, error) {
	if evt.IsFromMe || evt.Body == "" || evt.ChatID == "" {
		return nil, nil
	}

	contact := &store.Contact{
		ID:       evt.ChatID,
		Number:   numberOf(evt.ChatID),
		IsGroup:  evt.IsGroup || strings.HasSuffix(evt.ChatID, groupServer),
		PushName: evt.PushName,
	}
	if !contact.IsGroup {
		contact.Name = evt.PushName
	}
	if err := r.contacts.Upsert(ctx, contact); err != nil {
		r.log.Error("failed to upsert contact", "error", err, "jid", evt.ChatID)
	}

	from := evt.Sender
	if from == "" {
		from = evt.ChatID
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := &store.Message{
		WAID:      evt.WAID,
		ChatID:    evt.ChatID,
		From:      from,
		To:        self,
		Body:      evt.Body,
		Timestamp: ts,
	}
	if err := r.messages.Store(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	r.sink.Emit(EventMessage, MessagePayload{
		ID:     msg.ID,
		ChatID: msg.ChatID,
		From:   msg.From,
		Body:   msg.Body,
	})
	return msg, nil
}

// Outbound records a message the account sent to chatID.
func (r *Relay) Outbound(ctx context.Context, chatID, self, text string, sent SentMessage) (*store.Message, error) {
	if _, err := r.contacts.GetByID(ctx, chatID); errors.Is(err, store.ErrNotFound) {
		contact := &store.Contact{
			ID:      chatID,
			Number:  numberOf(chatID),
			IsGroup: strings.HasSuffix(chatID, groupServer),
		}
		if err := r.contacts.Upsert(ctx, contact); err != nil {
			r.log.Error("failed to create contact", "error", err, "jid", chatID)
		}
	}

	from := self
	if from == "" {
		from = chatID
	}
	ts := sent.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := &store.Message{
		WAID:      sent.ID,
		ChatID:    chatID,
		From:      from,
		To:        chatID,
		Body:      text,
		Timestamp: ts,
		IsFromMe:  true,
	}
	// The message is already delivered, so hand it back even if storing fails.
	if err := r.messages.Store(ctx, msg); err != nil {
		return msg, fmt.Errorf("failed to store message: %w", err)
	}
	return msg, nil
}

// Groups records the joined groups as contacts.
func (r *Relay) Groups(ctx context.Context, groups []Group) error {
	for _, g := range groups {
		contact := &store.Contact{
			ID:      g.ID,
			Name:    g.Name,
			Number:  numberOf(g.ID),
			IsGroup: true,
		}
		if err := r.contacts.Upsert(ctx, contact); err != nil {
			return fmt.Errorf("failed to store group %s: %w", g.ID, err)
		}
	}
	return nil
}
