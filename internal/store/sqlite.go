package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

// SQLiteStore implements all repositories using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	Session  *SQLiteSessionRepo
	Messages *SQLiteMessageRepo
	Contacts *SQLiteContactRepo
	State    *SQLiteStateRepo
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps ":memory:" databases coherent and avoids lock churn.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := &SQLiteStore{
		db:       db,
		Session:  &SQLiteSessionRepo{db: db},
		Messages: &SQLiteMessageRepo{db: db},
		Contacts: &SQLiteContactRepo{db: db},
		State:    &SQLiteStateRepo{db: db},
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func runMigrations(db *sql.DB) error {
	migration := `
	-- Connection status, single row
	CREATE TABLE IF NOT EXISTS whatsapp_session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		phone_number TEXT,
		is_connected BOOLEAN NOT NULL DEFAULT FALSE,
		qr_code TEXT,
		last_connected TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Messages table
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		wa_id TEXT NOT NULL DEFAULT '',
		chat_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		is_from_me BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_timestamp ON messages(chat_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);

	-- Contacts table
	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		number TEXT NOT NULL DEFAULT '',
		push_name TEXT NOT NULL DEFAULT '',
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Lifecycle state mirror
	CREATE TABLE IF NOT EXISTS gateway_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	INSERT OR IGNORE INTO gateway_state (id, state, updated_at)
	VALUES (1, 'idle', CURRENT_TIMESTAMP);

	-- Transitions history table
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		error TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := db.Exec(migration)
	return err
}

// withRetry retries op while SQLite reports the database as busy or locked.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// SQLiteSessionRepo implements SessionRepository.
type SQLiteSessionRepo struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec   SessionRecord
		phone sql.NullString
		qr    sql.NullString
		last  sql.NullTime
	)
	err := row.Scan(&phone, &rec.IsConnected, &qr, &last, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if phone.Valid {
		rec.PhoneNumber = &phone.String
	}
	if qr.Valid {
		rec.QRChallenge = &qr.String
	}
	if last.Valid {
		rec.LastConnectedAt = &last.Time
	}
	return &rec, nil
}

const selectSession = "SELECT phone_number, is_connected, qr_code, last_connected, updated_at FROM whatsapp_session WHERE id = 1"

// GetSession returns the status record, or ErrNotFound after DeleteSession.
func (r *SQLiteSessionRepo) GetSession(ctx context.Context) (*SessionRecord, error) {
	return scanSession(r.db.QueryRowContext(ctx, selectSession))
}

// EnsureSession returns the status record, creating an empty one if needed.
func (r *SQLiteSessionRepo) EnsureSession(ctx context.Context) (*SessionRecord, error) {
	err := withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO whatsapp_session (id, is_connected, updated_at) VALUES (1, FALSE, ?)",
			time.Now(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.GetSession(ctx)
}

// UpdateSession applies a partial update, creating the record if absent.
// Updates that would break the record invariants are rejected.
func (r *SQLiteSessionRepo) UpdateSession(ctx context.Context, update SessionUpdate) (*SessionRecord, error) {
	var result *SessionRecord
	err := withRetry(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := scanSession(tx.QueryRowContext(ctx, selectSession))
		if errors.Is(err, ErrNotFound) {
			current = &SessionRecord{}
		} else if err != nil {
			return err
		}

		next := update.Apply(*current)
		next.UpdatedAt = time.Now()
		if err := next.Validate(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO whatsapp_session (id, phone_number, is_connected, qr_code, last_connected, updated_at)
			VALUES (1, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				phone_number = excluded.phone_number,
				is_connected = excluded.is_connected,
				qr_code = excluded.qr_code,
				last_connected = excluded.last_connected,
				updated_at = excluded.updated_at
		`, next.PhoneNumber, next.IsConnected, next.QRChallenge, next.LastConnectedAt, next.UpdatedAt)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = &next
		return nil
	})
	return result, err
}

// DeleteSession removes the status record.
func (r *SQLiteSessionRepo) DeleteSession(ctx context.Context) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, "DELETE FROM whatsapp_session WHERE id = 1")
		return err
	})
}

// SQLiteMessageRepo implements MessageRepository.
type SQLiteMessageRepo struct {
	db *sql.DB
}

// Store inserts msg, assigning an ID when it has none.
func (r *SQLiteMessageRepo) Store(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	query := `
		INSERT OR REPLACE INTO messages
		(id, wa_id, chat_id, sender, recipient, body, timestamp, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			msg.ID, msg.WAID, msg.ChatID, msg.From, msg.To, msg.Body, msg.Timestamp, msg.IsFromMe,
		)
		return err
	})
}

// List returns the newest messages first. An empty chatID lists all chats.
func (r *SQLiteMessageRepo) List(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	var query string
	var args []any

	if chatID != "" {
		query = `
			SELECT id, wa_id, chat_id, sender, recipient, body, timestamp, is_from_me
			FROM messages
			WHERE chat_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		`
		args = []any{chatID, limit}
	} else {
		query = `
			SELECT id, wa_id, chat_id, sender, recipient, body, timestamp, is_from_me
			FROM messages
			ORDER BY timestamp DESC
			LIMIT ?
		`
		args = []any{limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Count returns the number of stored messages, optionally for one chat.
func (r *SQLiteMessageRepo) Count(ctx context.Context, chatID string) (int, error) {
	var count int
	var err error
	if chatID == "" {
		err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&count)
	}
	return count, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.ID, &msg.WAID, &msg.ChatID, &msg.From, &msg.To, &msg.Body, &msg.Timestamp, &msg.IsFromMe,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SQLiteContactRepo implements ContactRepository.
type SQLiteContactRepo struct {
	db *sql.DB
}

// Upsert inserts or merges a contact. Empty fields never overwrite known ones.
func (r *SQLiteContactRepo) Upsert(ctx context.Context, contact *Contact) error {
	query := `
		INSERT INTO contacts (id, name, number, push_name, is_group, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), contacts.name),
			number = COALESCE(NULLIF(excluded.number, ''), contacts.number),
			push_name = COALESCE(NULLIF(excluded.push_name, ''), contacts.push_name),
			is_group = excluded.is_group,
			updated_at = excluded.updated_at
	`
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			contact.ID, contact.Name, contact.Number, contact.PushName, contact.IsGroup, time.Now(),
		)
		return err
	})
}

func (r *SQLiteContactRepo) GetByID(ctx context.Context, id string) (*Contact, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, name, number, push_name, is_group, updated_at FROM contacts WHERE id = ?", id,
	)
	var c Contact
	err := row.Scan(&c.ID, &c.Name, &c.Number, &c.PushName, &c.IsGroup, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *SQLiteContactRepo) List(ctx context.Context, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, name, number, push_name, is_group, updated_at FROM contacts ORDER BY updated_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := make([]Contact, 0)
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Number, &c.PushName, &c.IsGroup, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *SQLiteContactRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts").Scan(&count)
	return count, err
}

// SQLiteStateRepo implements StateRepository.
type SQLiteStateRepo struct {
	db *sql.DB
}

func (r *SQLiteStateRepo) GetState(ctx context.Context) (state.State, error) {
	var s string
	err := r.db.QueryRowContext(ctx, "SELECT state FROM gateway_state WHERE id = 1").Scan(&s)
	if err != nil {
		return "", err
	}
	return state.State(s), nil
}

func (r *SQLiteStateRepo) SaveState(ctx context.Context, s state.State) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, "UPDATE gateway_state SET state = ?, updated_at = ? WHERE id = 1", string(s), time.Now())
		return err
	})
}

func (r *SQLiteStateRepo) LogTransition(ctx context.Context, from, to state.State, trigger string) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			"INSERT INTO transitions (from_state, to_state, trigger, timestamp) VALUES (?, ?, ?, ?)",
			string(from), string(to), trigger, time.Now(),
		)
		return err
	})
}

func (r *SQLiteStateRepo) GetTransitionHistory(ctx context.Context, limit int) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, from_state, to_state, trigger, timestamp, error FROM transitions ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transitions := make([]Transition, 0)
	for rows.Next() {
		var t Transition
		var from, to string
		err := rows.Scan(&t.ID, &from, &to, &t.Trigger, &t.Timestamp, &t.Error)
		if err != nil {
			return nil, err
		}
		t.FromState = state.State(from)
		t.ToState = state.State(to)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}
