package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/reconnect"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

// DefaultLogoutTimeout bounds the server logout during a manual disconnect.
const DefaultLogoutTimeout = 10 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the reconnect policy.
func WithPolicy(p reconnect.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock sets the clock used for reconnect timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMachine drives the given state machine instead of a fresh one. It
// must be in its initial state.
func WithMachine(sm *state.Machine) Option {
	return func(m *Manager) { m.machine = sm }
}

// WithObserver adds an observer for message and reconnect counters.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithLogoutTimeout bounds the server logout on Disconnect.
func WithLogoutTimeout(d time.Duration) Option {
	return func(m *Manager) { m.logoutTimeout = d }
}

// Status is a snapshot of the connection lifecycle.
type Status struct {
	State                   state.State `json:"state"`
	Connected               bool        `json:"connected"`
	PhoneNumber             string      `json:"phoneNumber,omitempty"`
	Attempts                int         `json:"attempts"`
	MaxAttempts             int         `json:"maxAttempts"`
	NextRetryAt             *time.Time  `json:"nextRetryAt,omitempty"`
	RetryDelay              string      `json:"retryDelay,omitempty"`
	LastError               string      `json:"lastError,omitempty"`
	ManualReconnectRequired bool        `json:"manualReconnectRequired"`
}

// Manager owns the messaging client and drives its lifecycle.
//
// All lifecycle state is owned by a single goroutine. Public methods and
// client callbacks submit work to it through the inbox, so transitions are
// applied one at a time and never interleave.
type Manager struct {
	factory  ClientFactory
	sessions SessionStore
	history  store.StateRepository
	relay    *Relay
	sink     EventSink

	machine       *state.Machine
	sched         *reconnect.Scheduler
	policy        reconnect.Policy
	clock         clock.Clock
	observers     []Observer
	logoutTimeout time.Duration
	log           *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the run goroutine.
	client     MessagingClient
	generation uint64
	attempts   int
	suppressed bool
	phone      string
	lastErr    error
}

// NewManager creates a manager and starts its event loop. The manager stays
// Idle until Start is called.
func NewManager(factory ClientFactory, stores Stores, sink EventSink, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if sink == nil {
		sink = NopSink{}
	}

	m := &Manager{
		factory:       factory,
		sessions:      stores.Sessions,
		history:       stores.History,
		sink:          sink,
		machine:       state.NewMachine(),
		policy:        reconnect.DefaultPolicy(),
		logoutTimeout: DefaultLogoutTimeout,
		log:           slog.Default(),
		ctx:           ctx,
		cancel:        cancel,
		inbox:         make(chan func(), 64),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	m.log = m.log.With("component", "manager")
	m.sched = reconnect.NewScheduler(m.clock)
	m.relay = NewRelay(stores.Messages, stores.Contacts, sink, m.log)

	m.machine.OnTransition(func(ctx context.Context, from, to state.State, trigger state.Trigger) {
		m.log.Info("state transition", "from", from, "to", to, "trigger", trigger)

		if err := m.history.SaveState(ctx, to); err != nil {
			m.log.Error("failed to save state", "error", err)
		}
		if err := m.history.LogTransition(ctx, from, to, string(trigger)); err != nil {
			m.log.Error("failed to log transition", "error", err)
		}

		m.sink.Emit(EventState, StatePayload{From: from, To: to, Trigger: trigger})
	})

	go m.run()
	return m
}

// Machine returns the underlying state machine so observers can subscribe
// to transitions.
func (m *Manager) Machine() *state.Machine {
	return m.machine
}

// State returns the current lifecycle state.
func (m *Manager) State() state.State {
	return m.machine.MustState()
}

// IsConnected returns true if messages can be sent.
func (m *Manager) IsConnected() bool {
	return m.machine.IsConnected()
}

// Start begins connecting. It is a no-op unless the manager is Idle.
func (m *Manager) Start(ctx context.Context) error {
	return m.call(ctx, func() { m.start(state.TriggerStart) })
}

// SendText sends a text message and records it. It fails with
// ErrNotConnected without touching the client unless the manager is
// Connected.
func (m *Manager) SendText(ctx context.Context, chatID, text string) (*store.Message, error) {
	chatID = NormalizeChatID(chatID)

	var (
		cli     MessagingClient
		current state.State
		self    string
	)
	if err := m.call(ctx, func() {
		current = m.machine.MustState()
		if current.IsOperational() {
			cli = m.client
			if m.phone != "" {
				self = m.phone + userServer
			}
		}
	}); err != nil {
		return nil, err
	}
	if cli == nil {
		return nil, fmt.Errorf("%w: current state %s", ErrNotConnected, current)
	}

	sent, err := cli.SendText(ctx, chatID, text)
	if err != nil {
		for _, o := range m.observers {
			o.RecordSendFailure()
		}
		return nil, &DeliveryError{ChatID: chatID, Cause: err}
	}
	for _, o := range m.observers {
		o.RecordMessageSent()
	}

	msg, err := m.relay.Outbound(ctx, chatID, self, text, sent)
	if err != nil {
		m.log.Error("sent message was not stored", "error", err, "chat", chatID, "wa_id", sent.ID)
	}
	return msg, nil
}

// Disconnect logs out, forgets the session and returns to Idle. No
// automatic reconnect happens afterwards. It waits for the logout to finish
// or ctx to end.
func (m *Manager) Disconnect(ctx context.Context) error {
	var done chan struct{}
	if err := m.call(ctx, func() {
		cli, ok := m.beginDisconnect()
		if !ok {
			return
		}
		done = make(chan struct{})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer close(done)
			m.finishDisconnect(cli)
		}()
	}); err != nil {
		return err
	}
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestReconnect discards credentials and any pending retry, then starts a
// fresh pairing. It is the only way out of Failed.
func (m *Manager) RequestReconnect(ctx context.Context) error {
	var err error
	if callErr := m.call(ctx, func() { err = m.reconnect() }); callErr != nil {
		return callErr
	}
	return err
}

// Status returns a snapshot of the lifecycle.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.call(ctx, func() {
		st.State = m.machine.MustState()
		st.Connected = st.State.IsOperational()
		st.PhoneNumber = m.phone
		st.Attempts = m.attempts
		st.MaxAttempts = m.policy.MaxAttempts
		st.ManualReconnectRequired = st.State.IsTerminal()
		if due, delay, ok := m.sched.Due(); ok {
			st.NextRetryAt = &due
			st.RetryDelay = delay.String()
		}
		if m.lastErr != nil {
			st.LastError = m.lastErr.Error()
		}
	})
	return st, err
}

// Close stops the manager. The session stays linked so the next process
// start resumes it without pairing.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.call(context.Background(), m.shutdown)
		close(m.done)
		<-m.stopped
		m.cancel()
		m.wg.Wait()
	})
	return err
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.done:
			return
		}
	}
}

// call runs fn on the event loop and waits for it to finish.
func (m *Manager) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case m.inbox <- wrapped:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-m.stopped:
		return ErrClosed
	}
}

// post queues fn on the event loop without waiting.
func (m *Manager) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.done:
	}
}

func (m *Manager) fire(trigger state.Trigger) bool {
	if err := m.machine.Fire(m.ctx, trigger); err != nil {
		m.log.Warn("transition rejected", "trigger", trigger, "state", m.machine.MustState(), "error", err)
		return false
	}
	return true
}

func (m *Manager) emit(name string, payload any) {
	m.sink.Emit(name, payload)
}

func (m *Manager) updateSession(update store.SessionUpdate) {
	if _, err := m.sessions.UpdateSession(m.ctx, update); err != nil {
		m.log.Error("failed to update session", "error", err)
	}
}

// start creates a client and connects it. trigger is TriggerStart from
// Idle or TriggerRetry from Reconnecting.
func (m *Manager) start(trigger state.Trigger) {
	current := m.machine.MustState()
	switch {
	case trigger == state.TriggerStart && current == state.StateIdle:
	case trigger == state.TriggerRetry && current == state.StateReconnecting:
	default:
		m.log.Debug("start ignored", "state", current, "trigger", trigger)
		return
	}

	if !m.fire(trigger) {
		return
	}
	if trigger == state.TriggerStart {
		m.suppressed = false
	}

	cli, err := m.factory.NewClient(m.ctx)
	if err != nil {
		m.log.Error("failed to create client", "error", err)
		m.onClosed(CloseReason{Kind: CloseTransient, Err: err})
		return
	}

	m.generation++
	gen := m.generation
	m.client = cli
	cli.SetEventHandler(func(evt ClientEvent) {
		m.post(func() { m.handleClientEvent(gen, evt) })
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := cli.Connect(m.ctx); err != nil {
			m.post(func() {
				m.handleClientEvent(gen, ConnectionClosed{Reason: CloseReason{Kind: CloseTransient, Err: err}})
			})
		}
	}()
}

// detachClient forgets the current client so its late events are dropped.
// The caller decides whether to close or log out the returned client.
func (m *Manager) detachClient() MessagingClient {
	cli := m.client
	m.client = nil
	m.generation++
	return cli
}

func (m *Manager) releaseClient() {
	if cli := m.detachClient(); cli != nil {
		cli.Close()
	}
}

func (m *Manager) handleClientEvent(gen uint64, evt ClientEvent) {
	if gen != m.generation || m.client == nil {
		m.log.Debug("dropping event from released client", "event", fmt.Sprintf("%T", evt))
		return
	}

	switch e := evt.(type) {
	case QRReceived:
		m.onQR(e.Code)
	case Paired:
		m.onPaired(e.PhoneNumber)
	case ConnectionOpened:
		m.onOpened(e.PhoneNumber)
	case ConnectionClosed:
		m.onClosed(e.Reason)
	case MessageReceived:
		m.onMessage(e)
	}
}

func (m *Manager) onQR(code string) {
	if m.machine.MustState() != state.StateAwaitingQR {
		return
	}
	m.fire(state.TriggerQRReceived)
	connected := false
	m.updateSession(store.SessionUpdate{QRChallenge: &code, IsConnected: &connected})
	m.emit(EventQR, QRPayload{QR: code})
}

func (m *Manager) onPaired(phone string) {
	if m.machine.MustState() != state.StateAwaitingQR {
		return
	}
	m.fire(state.TriggerPaired)
	m.emit(EventAuthenticated, AuthenticatedPayload{PhoneNumber: phone})
}

func (m *Manager) onOpened(phone string) {
	current := m.machine.MustState()
	if current != state.StateAwaitingQR && current != state.StateAuthenticating {
		return
	}
	if !m.fire(state.TriggerConnectionOpened) {
		return
	}

	m.attempts = 0
	m.lastErr = nil
	m.phone = phone

	connected := true
	cleared := ""
	now := m.clock.Now()
	m.updateSession(store.SessionUpdate{
		PhoneNumber:     &phone,
		IsConnected:     &connected,
		QRChallenge:     &cleared,
		LastConnectedAt: &now,
	})
	m.emit(EventReady, ReadyPayload{PhoneNumber: phone})
	m.loadGroups(m.client)
}

// onClosed applies the reconnect policy to a closed connection.
func (m *Manager) onClosed(reason CloseReason) {
	if m.suppressed {
		m.log.Debug("close ignored after manual disconnect", "reason", reason)
		return
	}
	if !m.machine.MustState().IsLive() {
		m.log.Debug("close ignored", "state", m.machine.MustState(), "reason", reason)
		return
	}

	m.log.Warn("connection closed", "reason", reason, "attempts", m.attempts)
	m.releaseClient()

	if reason.Kind == CloseLoggedOut {
		m.updateSession(store.ClearAll())
	} else {
		m.updateSession(store.ClearConnection())
	}
	m.emit(EventDisconnected, DisconnectedPayload{
		Reason:       reason.String(),
		RequiresAuth: reason.Kind == CloseLoggedOut,
	})

	switch reason.Kind {
	case CloseLoggedOut:
		m.lastErr = ErrAuthExpired
		m.phone = ""
		m.attempts = 0
		if err := m.factory.ClearAuth(m.ctx); err != nil {
			m.log.Error("failed to clear credentials", "error", err)
		}
		if m.fire(state.TriggerLoggedOut) {
			m.scheduleRetry(reason, m.policy.ReauthDelay)
		}

	case CloseReplaced:
		m.lastErr = ErrSessionConflict
		m.fire(state.TriggerSessionReplaced)
		m.emit(EventError, ErrorPayload{
			Code:                    CodeSessionConflict,
			Message:                 ErrSessionConflict.Error(),
			RequiresManualReconnect: true,
		})

	default:
		next := m.attempts + 1
		if m.policy.Exhausted(next) {
			m.lastErr = fmt.Errorf("%w after %d attempts: %s", ErrConnectFailure, m.attempts, reason)
			m.fire(state.TriggerAttemptsExhausted)
			m.emit(EventError, ErrorPayload{
				Code:                    CodeConnectFailure,
				Message:                 m.lastErr.Error(),
				RequiresManualReconnect: true,
			})
			return
		}

		m.attempts = next
		m.lastErr = fmt.Errorf("%w: %s", ErrConnectFailure, reason)
		delay := m.policy.Delay(next)
		if reason.Kind == CloseUnknown {
			delay = m.policy.UnknownDelay(next)
		}
		if m.fire(state.TriggerConnectionLost) {
			m.scheduleRetry(reason, delay)
		}
	}
}

func (m *Manager) scheduleRetry(reason CloseReason, delay time.Duration) {
	m.sched.Schedule(delay, func(gen uint64) {
		m.post(func() { m.onRetry(gen) })
	})
	m.log.Info("reconnect scheduled", "reason", reason.Kind, "attempt", m.attempts, "delay", delay)
	for _, o := range m.observers {
		o.RecordReconnect(reason.Kind.String(), m.attempts, delay)
	}
}

func (m *Manager) onRetry(gen uint64) {
	if !m.sched.Accept(gen) {
		m.log.Debug("dropping superseded reconnect timer")
		return
	}
	if m.suppressed {
		return
	}
	m.start(state.TriggerRetry)
}

func (m *Manager) onMessage(evt MessageReceived) {
	self := ""
	if m.phone != "" {
		self = m.phone + userServer
	}
	msg, err := m.relay.Inbound(m.ctx, evt, self)
	if err != nil {
		m.log.Error("failed to record message", "error", err, "chat", evt.ChatID)
		return
	}
	if msg == nil {
		return
	}
	for _, o := range m.observers {
		o.RecordMessageReceived()
	}
}

// loadGroups stores the joined groups as contacts in the background.
func (m *Manager) loadGroups(cli MessagingClient) {
	if cli == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		var groups []Group
		op := func() error {
			var err error
			groups, err = cli.ListGroups(m.ctx)
			return err
		}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), m.ctx)
		if err := backoff.Retry(op, b); err != nil {
			m.log.Warn("failed to load groups", "error", err)
			return
		}
		if err := m.relay.Groups(m.ctx, groups); err != nil {
			m.log.Warn("failed to store groups", "error", err)
			return
		}
		m.log.Info("loaded groups", "count", len(groups))
	}()
}

// beginDisconnect stops all automatic activity and moves to Closing. It
// returns the client to log out and false if a disconnect is already
// running.
func (m *Manager) beginDisconnect() (MessagingClient, bool) {
	m.suppressed = true
	m.sched.Cancel()
	cli := m.detachClient()

	if err := m.sessions.DeleteSession(m.ctx); err != nil {
		m.log.Error("failed to delete session", "error", err)
	}
	m.attempts = 0
	m.phone = ""
	m.lastErr = nil

	if !m.fire(state.TriggerDisconnect) {
		if cli != nil {
			cli.Close()
		}
		return nil, false
	}
	return cli, true
}

func (m *Manager) finishDisconnect(cli MessagingClient) {
	ctx, cancel := context.WithTimeout(context.Background(), m.logoutTimeout)
	defer cancel()

	var logoutErr error
	if cli != nil {
		logoutErr = cli.Logout(ctx)
		cli.Close()
		if logoutErr != nil {
			m.log.Warn("logout failed, clearing local credentials", "error", logoutErr)
		}
	}
	if cli == nil || logoutErr != nil {
		if err := m.factory.ClearAuth(ctx); err != nil {
			m.log.Error("failed to clear credentials", "error", err)
		}
	}

	_ = m.call(context.Background(), func() {
		if m.fire(state.TriggerClosed) {
			m.emit(EventDisconnected, DisconnectedPayload{Reason: "manual", RequiresAuth: true})
		}
	})
}

func (m *Manager) reconnect() error {
	current := m.machine.MustState()
	if current == state.StateClosing {
		return ErrDisconnecting
	}

	m.sched.Cancel()
	m.releaseClient()
	m.attempts = 0
	m.suppressed = false
	m.phone = ""
	m.lastErr = nil

	if err := m.factory.ClearAuth(m.ctx); err != nil {
		m.log.Error("failed to clear credentials", "error", err)
	}
	m.updateSession(store.ClearAll())

	if current != state.StateIdle && !m.fire(state.TriggerReconnectRequested) {
		return fmt.Errorf("cannot reconnect from state %s", current)
	}
	m.start(state.TriggerStart)
	return nil
}

func (m *Manager) shutdown() {
	m.suppressed = true
	m.sched.Cancel()
	m.releaseClient()

	current := m.machine.MustState()
	if current == state.StateClosing {
		return
	}
	if m.fire(state.TriggerShutdown) {
		if current != state.StateIdle {
			m.updateSession(store.ClearConnection())
		}
		m.fire(state.TriggerClosed)
	}
}
