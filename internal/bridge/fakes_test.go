package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/stretchr/testify/require"
)

// FakeClient implements MessagingClient for testing.
type FakeClient struct {
	mu         sync.Mutex
	handler    func(ClientEvent)
	connectErr error
	sendErr    error
	logoutErr  error
	// logoutGate, when set, holds Logout until it is closed.
	logoutGate chan struct{}
	groups     []Group
	sent       []FakeMessage
	connects   int
	logouts    int
	closed     bool
}

type FakeMessage struct {
	ChatID string
	Text   string
}

func (f *FakeClient) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *FakeClient) SendText(_ context.Context, chatID, text string) (SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, FakeMessage{ChatID: chatID, Text: text})
	if f.sendErr != nil {
		return SentMessage{}, f.sendErr
	}
	return SentMessage{ID: "3EB0" + chatID, Timestamp: time.Unix(1700000000, 0)}, nil
}

func (f *FakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	gate := f.logoutGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.logoutErr
}

func (f *FakeClient) ListGroups(_ context.Context) ([]Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups, nil
}

func (f *FakeClient) SetEventHandler(handler func(ClientEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *FakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Emit delivers an event the way the real client would, even after Close,
// so tests can simulate late callbacks.
func (f *FakeClient) Emit(evt ClientEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (f *FakeClient) Sent() []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeMessage(nil), f.sent...)
}

func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeClient) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// FakeFactory hands out a new FakeClient per call.
type FakeFactory struct {
	mu         sync.Mutex
	clients    []*FakeClient
	newErr     error
	clearAuths int
	configure  func(*FakeClient)
}

func (f *FakeFactory) NewClient(_ context.Context) (MessagingClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	c := &FakeClient{}
	if f.configure != nil {
		f.configure(c)
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *FakeFactory) ClearAuth(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearAuths++
	return nil
}

func (f *FakeFactory) Clients() []*FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeClient(nil), f.clients...)
}

func (f *FakeFactory) Last() *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *FakeFactory) ClearAuths() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clearAuths
}

// RecordedEvent is one Emit call.
type RecordedEvent struct {
	Name    string
	Payload any
}

// RecordingSink keeps every emitted event.
type RecordingSink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func (s *RecordingSink) Emit(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, RecordedEvent{Name: name, Payload: payload})
}

func (s *RecordingSink) Named(name string) []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecordedEvent
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// countingObserver implements Observer.
type countingObserver struct {
	mu         sync.Mutex
	received   int
	sent       int
	failures   int
	reconnects []time.Duration
}

func (o *countingObserver) RecordMessageReceived() { o.mu.Lock(); o.received++; o.mu.Unlock() }
func (o *countingObserver) RecordMessageSent()     { o.mu.Lock(); o.sent++; o.mu.Unlock() }
func (o *countingObserver) RecordSendFailure()     { o.mu.Lock(); o.failures++; o.mu.Unlock() }

func (o *countingObserver) RecordReconnect(_ string, _ int, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconnects = append(o.reconnects, delay)
}

// recordingSessions wraps a SessionStore and keeps every update.
type recordingSessions struct {
	SessionStore

	mu      sync.Mutex
	updates []store.SessionUpdate
}

func (r *recordingSessions) UpdateSession(ctx context.Context, update store.SessionUpdate) (*store.SessionRecord, error) {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	r.mu.Unlock()
	return r.SessionStore.UpdateSession(ctx, update)
}

func (r *recordingSessions) Updates() []store.SessionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.SessionUpdate(nil), r.updates...)
}

var errBoom = errors.New("boom")

func setupTestDB(t *testing.T) *store.SQLiteStore {
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
