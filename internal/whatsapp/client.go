// Package whatsapp adapts whatsmeow to the bridge's MessagingClient.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/bridge"
)

// Common errors
var (
	ErrQRTimeout        = errors.New("QR code timeout")
	ErrConnectTimeout   = errors.New("connection was not established in time")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Factory opens the device store and creates one whatsmeow client per
// connect cycle.
type Factory struct {
	container      *sqlstore.Container
	connectTimeout time.Duration
	log            *slog.Logger
}

var _ bridge.ClientFactory = (*Factory)(nil)

// NewFactory opens the device credential store under sessionDir. A paired
// device that has not finished its handshake after connectTimeout is
// reported as closed; zero disables the check.
func NewFactory(ctx context.Context, sessionDir string, connectTimeout time.Duration, log *slog.Logger) (*Factory, error) {
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	dbLog := &slogAdapter{log: log.With("component", "whatsmeow-db")}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(sessionDir, "whatsmeow.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	return &Factory{container: container, connectTimeout: connectTimeout, log: log}, nil
}

// NewClient creates a client for the stored device, or for a new device
// that still has to pair.
func (f *Factory) NewClient(ctx context.Context) (bridge.MessagingClient, error) {
	device, err := f.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}

	wm := whatsmeow.NewClient(device, &slogAdapter{log: f.log.With("component", "whatsmeow")})
	// Reconnects are driven by the connection manager.
	wm.EnableAutoReconnect = false

	c := &Client{wm: wm, connectTimeout: f.connectTimeout, log: f.log.With("component", "whatsapp-client")}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.handlerID = wm.AddEventHandler(c.handleEvent)
	return c, nil
}

// ClearAuth deletes the stored device so the next client pairs again.
func (f *Factory) ClearAuth(ctx context.Context) error {
	device, err := f.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device store: %w", err)
	}
	if device.ID == nil {
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	f.log.Info("cleared stored credentials")
	return nil
}

// Close closes the device store.
func (f *Factory) Close() error {
	return f.container.Close()
}

// Client is a single whatsmeow connection.
type Client struct {
	wm             *whatsmeow.Client
	log            *slog.Logger
	handlerID      uint32
	connectTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	handler  func(bridge.ClientEvent)
	closed   bool
	opened   bool
	watchdog *time.Timer
}

var _ bridge.MessagingClient = (*Client)(nil)

// SetEventHandler sets the receiver of translated events.
func (c *Client) SetEventHandler(handler func(bridge.ClientEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect opens the websocket. Devices without credentials get QR codes
// through the event handler.
func (c *Client) Connect(_ context.Context) error {
	if c.wm.Store.ID == nil {
		// The QR channel must exist before Connect.
		qrChan, err := c.wm.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		go c.watchQR(qrChan)
	}

	if err := c.wm.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	// Pairing has its own timeout through the QR channel.
	if c.wm.Store.ID != nil && c.connectTimeout > 0 {
		c.mu.Lock()
		if !c.closed && !c.opened {
			c.watchdog = time.AfterFunc(c.connectTimeout, c.handshakeExpired)
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) handshakeExpired() {
	c.mu.RLock()
	opened := c.opened
	c.mu.RUnlock()
	if opened {
		return
	}
	c.log.Warn("connection handshake timed out", "timeout", c.connectTimeout)
	c.emit(bridge.ConnectionClosed{Reason: bridge.CloseReason{Kind: bridge.CloseTransient, Err: ErrConnectTimeout}})
}

func (c *Client) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.log.Info("QR code received")
			c.emit(bridge.QRReceived{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// Reported through PairSuccess.
		case whatsmeow.QRChannelTimeout.Event:
			// whatsmeow disconnects silently when the codes run out.
			c.emit(bridge.ConnectionClosed{Reason: bridge.CloseReason{Kind: bridge.CloseTransient, Err: ErrQRTimeout}})
		case whatsmeow.QRChannelEventError:
			c.emit(bridge.ConnectionClosed{Reason: bridge.CloseReason{Kind: bridge.CloseTransient, Err: item.Error}})
		default:
			c.log.Warn("pairing failed", "event", item.Event)
			c.emit(bridge.ConnectionClosed{Reason: bridge.CloseReason{Kind: bridge.CloseUnknown, Err: fmt.Errorf("pairing: %s", item.Event)}})
		}
	}
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, chatID, text string) (bridge.SentMessage, error) {
	recipient, err := parseRecipient(chatID)
	if err != nil {
		return bridge.SentMessage{}, err
	}

	resp, err := c.wm.SendMessage(ctx, recipient, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return bridge.SentMessage{}, fmt.Errorf("failed to send message: %w", err)
	}
	return bridge.SentMessage{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// Logout unlinks the device on the server, which also deletes the local
// credentials.
func (c *Client) Logout(ctx context.Context) error {
	return c.wm.Logout(ctx)
}

// ListGroups returns the groups the account has joined.
func (c *Client) ListGroups(ctx context.Context) ([]bridge.Group, error) {
	infos, err := c.wm.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined groups: %w", err)
	}
	groups := make([]bridge.Group, 0, len(infos))
	for _, g := range infos {
		groups = append(groups, bridge.Group{ID: g.JID.String(), Name: g.Name})
	}
	return groups, nil
}

// Close detaches the handler and drops the connection. No event is
// reported after Close returns.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.mu.Unlock()

	c.cancel()
	c.wm.RemoveEventHandler(c.handlerID)
	c.wm.Disconnect()
}

func (c *Client) handleEvent(raw any) {
	c.log.Debug("WhatsApp event", "type", fmt.Sprintf("%T", raw))

	evt, ok := translate(raw, c.selfPhone)
	if !ok {
		return
	}
	if _, opened := evt.(bridge.ConnectionOpened); opened {
		c.mu.Lock()
		c.opened = true
		if c.watchdog != nil {
			c.watchdog.Stop()
		}
		c.mu.Unlock()
	}
	c.emit(evt)
}

func (c *Client) selfPhone() string {
	if id := c.wm.Store.ID; id != nil {
		return id.User
	}
	return ""
}

func (c *Client) emit(evt bridge.ClientEvent) {
	c.mu.RLock()
	handler, closed := c.handler, c.closed
	c.mu.RUnlock()
	if handler == nil || closed {
		return
	}
	handler(evt)
}

// parseRecipient accepts a JID or a phone number.
func parseRecipient(recipient string) (types.JID, error) {
	if recipient == "" {
		return types.JID{}, ErrInvalidRecipient
	}
	jid, err := types.ParseJID(bridge.NormalizeChatID(recipient))
	if err != nil {
		return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if jid.User == "" {
		return types.JID{}, ErrInvalidRecipient
	}
	return jid, nil
}

// slogAdapter adapts slog.Logger to whatsmeow's log interface.
type slogAdapter struct {
	log *slog.Logger
}

func (s *slogAdapter) Debugf(msg string, args ...interface{}) {
	s.log.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Infof(msg string, args ...interface{}) {
	s.log.Info(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Warnf(msg string, args ...interface{}) {
	s.log.Warn(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Errorf(msg string, args ...interface{}) {
	s.log.Error(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: s.log.With("module", module)}
}

// Ensure slogAdapter implements waLog.Logger
var _ waLog.Logger = (*slogAdapter)(nil)
