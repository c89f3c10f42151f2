// Package health tracks gateway liveness and traffic counters.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

// ErrFailed is reported while the gateway waits for a manual reconnect.
var ErrFailed = errors.New("gateway requires manual reconnect")

// Status represents the health status of the gateway.
type Status struct {
	State               string     `json:"state"`
	Connected           bool       `json:"connected"`
	UptimeSeconds       int64      `json:"uptimeSeconds"`
	LastStateChange     time.Time  `json:"lastStateChange"`
	LastMessage         *time.Time `json:"lastMessage,omitempty"`
	ReconnectCount      int        `json:"reconnectCount"`
	LastReconnectReason string     `json:"lastReconnectReason,omitempty"`
	MessagesReceived    int64      `json:"messagesReceived"`
	MessagesSent        int64      `json:"messagesSent"`
	SendFailures        int64      `json:"sendFailures"`
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks gateway health. It receives counters as a bridge
// observer and follows state changes through the state machine.
type Monitor struct {
	stateMachine *state.Machine
	db           Pinger
	clock        clock.Clock
	log          *slog.Logger

	startTime        time.Time
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	sendFailures     atomic.Int64

	mu                  sync.RWMutex
	lastMessage         time.Time
	lastStateChange     time.Time
	reconnectCount      int
	lastReconnectReason string
}

// NewMonitor creates a new health monitor. A nil clock means the wall clock.
func NewMonitor(sm *state.Machine, db Pinger, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	m := &Monitor{
		stateMachine: sm,
		db:           db,
		clock:        clk,
		log:          slog.Default().With("component", "health"),
		startTime:    clk.Now(),
	}
	m.lastStateChange = m.startTime

	sm.OnTransition(func(_ context.Context, _, _ state.State, _ state.Trigger) {
		m.mu.Lock()
		m.lastStateChange = m.clock.Now()
		m.mu.Unlock()
	})
	return m
}

// GetStatus returns the current health status.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current := m.stateMachine.MustState()
	status := Status{
		State:               string(current),
		Connected:           current.IsOperational(),
		UptimeSeconds:       int64(m.clock.Since(m.startTime).Seconds()),
		LastStateChange:     m.lastStateChange,
		ReconnectCount:      m.reconnectCount,
		LastReconnectReason: m.lastReconnectReason,
		MessagesReceived:    m.messagesReceived.Load(),
		MessagesSent:        m.messagesSent.Load(),
		SendFailures:        m.sendFailures.Load(),
	}
	if !m.lastMessage.IsZero() {
		last := m.lastMessage
		status.LastMessage = &last
	}
	return status
}

// Check returns nil while the gateway can make progress on its own. Idle
// and reconnecting count as healthy.
func (m *Monitor) Check(ctx context.Context) error {
	if m.db != nil {
		if err := m.db.Ping(ctx); err != nil {
			return fmt.Errorf("store unavailable: %w", err)
		}
	}
	if m.stateMachine.MustState().IsTerminal() {
		return ErrFailed
	}
	return nil
}

// RecordMessageReceived records an incoming message.
func (m *Monitor) RecordMessageReceived() {
	m.messagesReceived.Add(1)
	m.mu.Lock()
	m.lastMessage = m.clock.Now()
	m.mu.Unlock()
}

// RecordMessageSent records an outgoing message.
func (m *Monitor) RecordMessageSent() {
	m.messagesSent.Add(1)
}

// RecordSendFailure records a message the network refused.
func (m *Monitor) RecordSendFailure() {
	m.sendFailures.Add(1)
}

// RecordReconnect records a scheduled reconnect.
func (m *Monitor) RecordReconnect(reason string, attempt int, delay time.Duration) {
	m.mu.Lock()
	m.reconnectCount++
	m.lastReconnectReason = reason
	m.mu.Unlock()
	m.log.Debug("reconnect recorded", "reason", reason, "attempt", attempt, "delay", delay)
}
