package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore_DSNWithQuery(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "gateway.db") + "?cache=shared"
	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	var fk int
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk, "connection options are appended to an existing query")

	_, err = store.Session.EnsureSession(ctx)
	assert.NoError(t, err)
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

// Session Repository Tests

func TestSQLiteSessionRepo_EnsureSession(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.Session.GetSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := store.Session.EnsureSession(ctx)
	require.NoError(t, err)
	assert.False(t, rec.IsConnected)
	assert.Nil(t, rec.PhoneNumber)
	assert.Nil(t, rec.QRChallenge)
	assert.Nil(t, rec.LastConnectedAt)

	// Idempotent
	_, err = store.Session.EnsureSession(ctx)
	require.NoError(t, err)
}

func TestSQLiteSessionRepo_QRThenConnected(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec, err := store.Session.UpdateSession(ctx, SessionUpdate{QRChallenge: strPtr("XYZ"), IsConnected: boolPtr(false)})
	require.NoError(t, err)
	require.NotNil(t, rec.QRChallenge)
	assert.Equal(t, "XYZ", *rec.QRChallenge)

	now := time.Now().Truncate(time.Second)
	rec, err = store.Session.UpdateSession(ctx, SessionUpdate{
		PhoneNumber:     strPtr("15551234567"),
		IsConnected:     boolPtr(true),
		QRChallenge:     strPtr(""),
		LastConnectedAt: &now,
	})
	require.NoError(t, err)
	assert.True(t, rec.IsConnected)
	assert.Nil(t, rec.QRChallenge)

	stored, err := store.Session.GetSession(ctx)
	require.NoError(t, err)
	assert.True(t, stored.IsConnected)
	require.NotNil(t, stored.PhoneNumber)
	assert.Equal(t, "15551234567", *stored.PhoneNumber)
	assert.Nil(t, stored.QRChallenge)
	require.NotNil(t, stored.LastConnectedAt)
	assert.True(t, now.Equal(*stored.LastConnectedAt))
}

func TestSQLiteSessionRepo_RejectsInvariantViolations(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		update SessionUpdate
	}{
		{
			name:   "connected without phone",
			update: SessionUpdate{IsConnected: boolPtr(true)},
		},
		{
			name:   "connected with qr",
			update: SessionUpdate{IsConnected: boolPtr(true), PhoneNumber: strPtr("1"), QRChallenge: strPtr("XYZ")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Session.UpdateSession(ctx, tt.update)
			assert.Error(t, err)
		})
	}

	// Nothing was written
	_, err := store.Session.GetSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteSessionRepo_QRWhileConnectedRejected(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.Session.UpdateSession(ctx, SessionUpdate{PhoneNumber: strPtr("1"), IsConnected: boolPtr(true)})
	require.NoError(t, err)

	_, err = store.Session.UpdateSession(ctx, SessionUpdate{QRChallenge: strPtr("XYZ")})
	assert.Error(t, err)
}

func TestSQLiteSessionRepo_ClearAndDelete(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.Session.UpdateSession(ctx, SessionUpdate{PhoneNumber: strPtr("1"), IsConnected: boolPtr(true)})
	require.NoError(t, err)

	rec, err := store.Session.UpdateSession(ctx, ClearConnection())
	require.NoError(t, err)
	assert.False(t, rec.IsConnected)
	require.NotNil(t, rec.PhoneNumber, "clearing the connection keeps the last known phone")

	rec, err = store.Session.UpdateSession(ctx, ClearAll())
	require.NoError(t, err)
	assert.Nil(t, rec.PhoneNumber)

	require.NoError(t, store.Session.DeleteSession(ctx))
	_, err = store.Session.GetSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice is harmless
	require.NoError(t, store.Session.DeleteSession(ctx))
}

func TestSessionUpdate_Apply(t *testing.T) {
	last := time.Unix(1700000000, 0)
	rec := SessionRecord{PhoneNumber: strPtr("1"), LastConnectedAt: &last}

	out := SessionUpdate{}.Apply(rec)
	assert.Equal(t, rec, out)

	zero := time.Time{}
	out = SessionUpdate{LastConnectedAt: &zero}.Apply(rec)
	assert.Nil(t, out.LastConnectedAt)
	assert.Equal(t, "1", *out.PhoneNumber)
}

// Message Repository Tests

func TestSQLiteMessageRepo_Store(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	msg := &Message{
		WAID:      "3EB0ABC",
		ChatID:    "123@s.whatsapp.net",
		From:      "123@s.whatsapp.net",
		To:        "me",
		Body:      "Hello World",
		Timestamp: time.Now(),
	}

	err := store.Messages.Store(ctx, msg)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID, "an id is assigned")

	messages, err := store.Messages.List(ctx, msg.ChatID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, msg.ID, messages[0].ID)
	assert.Equal(t, "Hello World", messages[0].Body)
	assert.Equal(t, "3EB0ABC", messages[0].WAID)
}

func TestSQLiteMessageRepo_List(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 5; i++ {
		msg := &Message{
			ChatID:    "123@s.whatsapp.net",
			From:      "456@s.whatsapp.net",
			To:        "123@s.whatsapp.net",
			Body:      fmt.Sprintf("Message %d", i),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Messages.Store(ctx, msg))
	}
	require.NoError(t, store.Messages.Store(ctx, &Message{ChatID: "other@g.us", From: "a", To: "b", Body: "x", Timestamp: now}))

	messages, err := store.Messages.List(ctx, "123@s.whatsapp.net", 3)
	require.NoError(t, err)
	assert.Len(t, messages, 3)

	// Messages should be in descending order by timestamp
	assert.True(t, messages[0].Timestamp.After(messages[1].Timestamp))
	assert.Equal(t, "Message 4", messages[0].Body)

	all, err := store.Messages.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	count, err := store.Messages.Count(ctx, "123@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestSQLiteMessageRepo_ListEmpty(t *testing.T) {
	store := setupTestDB(t)

	messages, err := store.Messages.List(context.Background(), "nobody@s.whatsapp.net", 10)
	require.NoError(t, err)
	assert.NotNil(t, messages)
	assert.Empty(t, messages)
}

// Contact Repository Tests

func TestSQLiteContactRepo_UpsertMerges(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	err := store.Contacts.Upsert(ctx, &Contact{ID: "123@s.whatsapp.net", Number: "123", PushName: "Ann"})
	require.NoError(t, err)

	// A later sparse upsert keeps the known push name
	err = store.Contacts.Upsert(ctx, &Contact{ID: "123@s.whatsapp.net", Name: "Ann Smith"})
	require.NoError(t, err)

	c, err := store.Contacts.GetByID(ctx, "123@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "Ann Smith", c.Name)
	assert.Equal(t, "Ann", c.PushName)
	assert.Equal(t, "123", c.Number)
	assert.False(t, c.IsGroup)

	_, err = store.Contacts.GetByID(ctx, "missing@s.whatsapp.net")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteContactRepo_List(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.Contacts.Upsert(ctx, &Contact{ID: "1@s.whatsapp.net"}))
	require.NoError(t, store.Contacts.Upsert(ctx, &Contact{ID: "2@g.us", Name: "Team", IsGroup: true}))

	contacts, err := store.Contacts.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	count, err := store.Contacts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// State Repository Tests

func TestSQLiteStateRepo_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	s, err := store.State.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.StateIdle, s)

	require.NoError(t, store.State.SaveState(ctx, state.StateConnected))
	s, err = store.State.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.StateConnected, s)
}

func TestSQLiteStateRepo_TransitionHistory(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.State.LogTransition(ctx, state.StateIdle, state.StateAwaitingQR, "start"))
	require.NoError(t, store.State.LogTransition(ctx, state.StateAwaitingQR, state.StateConnected, "connection_opened"))
	require.NoError(t, store.State.LogTransition(ctx, state.StateConnected, state.StateReconnecting, "connection_lost"))

	history, err := store.State.GetTransitionHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Most recent first
	assert.Equal(t, state.StateReconnecting, history[0].ToState)
	assert.Equal(t, "connection_lost", history[0].Trigger)
	assert.Equal(t, state.StateConnected, history[1].ToState)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, isBusy(nil))
	assert.False(t, isBusy(ErrNotFound))
}
