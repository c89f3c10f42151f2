package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/skip2/go-qrcode"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/health"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxListLimit        = 1000
	maxMessageLength    = 65536
	qrImageSize         = 256
)

// Gateway is the connection lifecycle as seen by the HTTP layer.
type Gateway interface {
	Start(ctx context.Context) error
	SendText(ctx context.Context, chatID, text string) (*store.Message, error)
	Disconnect(ctx context.Context) error
	RequestReconnect(ctx context.Context) error
	Status(ctx context.Context) (bridge.Status, error)
}

// HealthChecker reports gateway health.
type HealthChecker interface {
	GetStatus() health.Status
	Check(ctx context.Context) error
}

// Handler serves the gateway REST API.
type Handler struct {
	gateway  Gateway
	sessions store.SessionRepository
	messages store.MessageRepository
	contacts store.ContactRepository
	history  store.StateRepository
	health   HealthChecker
	limiter  *SendLimiter
	log      *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(gw Gateway, db *store.SQLiteStore, hc HealthChecker, limiter *SendLimiter) *Handler {
	return &Handler{
		gateway:  gw,
		sessions: db.Session,
		messages: db.Messages,
		contacts: db.Contacts,
		history:  db.State,
		health:   hc,
		limiter:  limiter,
		log:      slog.Default().With("component", "api"),
	}
}

// RouterConfig holds the optional parts of the router.
type RouterConfig struct {
	AllowedOrigins []string
	// Events is mounted at /ws when set.
	Events http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Router builds the HTTP routes.
func (h *Handler) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors(cfg.AllowedOrigins))

	r.Get("/healthz", h.handleHealthz)
	if cfg.Events != nil {
		r.Handle("/ws", cfg.Events)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.handleSession)
		r.Get("/status", h.handleStatus)
		r.Get("/qr.png", h.handleQRImage)
		r.Get("/contacts", h.handleContacts)
		r.Get("/contacts/{id}", h.handleContact)
		r.Get("/messages", h.handleMessages)
		r.Get("/connection-history", h.handleConnectionHistory)

		r.Post("/send-message", h.handleSendMessage)
		r.Post("/start", h.handleStart)
		r.Post("/disconnect", h.handleDisconnect)
		r.Post("/reconnect", h.handleReconnect)
	})

	return r
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type statusResponse struct {
	Connection bridge.Status `json:"connection"`
	Health     health.Status `json:"health"`
	Store      storeCounts   `json:"store"`
}

type storeCounts struct {
	Messages int `json:"messages"`
	Contacts int `json:"contacts"`
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sessions.EnsureSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := h.gateway.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{Connection: conn, Health: h.health.GetStatus()}
	if resp.Store.Messages, err = h.messages.Count(r.Context(), ""); err != nil {
		writeError(w, err)
		return
	}
	if resp.Store.Contacts, err = h.contacts.Count(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if err := h.health.Check(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "unhealthy", "error": err.Error()}
	}
	writeJSON(w, status, body)
}

func (h *Handler) handleQRImage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sessions.GetSession(r.Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, err)
		return
	}
	if rec == nil || rec.QRChallenge == nil {
		writeError(w, NewNotFoundError("qr code"))
		return
	}

	png, err := qrcode.Encode(*rec.QRChallenge, qrcode.Medium, qrImageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (h *Handler) handleContacts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, maxListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	contacts, err := h.contacts.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(contacts))
}

func (h *Handler) handleContact(w http.ResponseWriter, r *http.Request) {
	id := bridge.NormalizeChatID(chi.URLParam(r, "id"))
	contact, err := h.contacts.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, NewNotFoundError("contact "+id))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, store.DefaultMessageLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	chatID := r.URL.Query().Get("chatId")
	if chatID != "" {
		chatID = bridge.NormalizeChatID(chatID)
	}

	msgs, err := h.messages.List(r.Context(), chatID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

func (h *Handler) handleConnectionHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultHistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	transitions, err := h.history.GetTransitionHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(transitions))
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, NewInvalidInputError("Invalid request body"))
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Message == "" {
		writeError(w, NewInvalidInputError("Missing required fields: to, message"))
		return
	}
	if len(req.Message) > maxMessageLength {
		writeError(w, NewInvalidInputError("Message is too long"))
		return
	}

	chatID := bridge.NormalizeChatID(req.To)
	if strings.HasPrefix(chatID, "@") {
		writeError(w, NewInvalidInputError("Recipient must be a phone number or chat ID"))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(chatID) {
		writeError(w, NewRateLimitedError(chatID))
		return
	}

	msg, err := h.gateway.SendText(r.Context(), chatID, req.Message)
	if err != nil {
		h.log.Warn("send failed", "to", chatID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "Message sent successfully", Data: msg})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.writeAction(w, r, "Connection started")
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.writeAction(w, r, "Disconnected successfully")
}

func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.RequestReconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.writeAction(w, r, "Reconnect requested")
}

// writeAction answers a lifecycle request with the resulting state.
func (h *Handler) writeAction(w http.ResponseWriter, r *http.Request, message string) {
	resp := actionResponse{Success: true, Message: message}
	if status, err := h.gateway.Status(r.Context()); err == nil {
		resp.Data = map[string]state.State{"state": status.State}
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseLimit reads the limit query parameter.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, NewInvalidInputError("limit must be a positive integer")
	}
	return min(limit, maxListLimit), nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
