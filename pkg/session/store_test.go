package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenStore(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newSessionID() string {
	return DeriveSessionID(uuid.New(), uuid.New())
}

// backdate rewrites a session's updated_at for retention tests.
func backdate(t *testing.T, store *Store, sessionID string, updatedAt time.Time) {
	t.Helper()
	_, err := store.db.Exec(
		"UPDATE agent_sessions SET updated_at = ? WHERE session_id = ?",
		updatedAt.UTC(), sessionID,
	)
	require.NoError(t, err)
}

func TestStore_GetOrCreate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sessionID := newSessionID()

	first, err := store.GetOrCreate(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, first.SessionID)
	assert.False(t, first.CreatedAt.IsZero())

	// Idempotent: same id yields the same session
	second, err := store.GetOrCreate(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestStore_GetOrCreate_RejectsInvalidID(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetOrCreate(context.Background(), "user_123_conv_456")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
	assert.Equal(t, FailureIdentity, Classify(err))
}

func TestStore_AppendEntry_BumpsUpdatedAt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sessionID := newSessionID()

	sess, err := store.GetOrCreate(ctx, sessionID)
	require.NoError(t, err)

	backdate(t, store, sessionID, sess.UpdatedAt.Add(-time.Hour))

	_, err = store.AppendEntry(ctx, sessionID, `{"role":"user","content":"hello"}`)
	require.NoError(t, err)

	after, err := store.GetOrCreate(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(sess.UpdatedAt.Add(-time.Hour)))
}

func TestStore_ListEntries_Ordered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sessionID := newSessionID()

	for i := 0; i < 5; i++ {
		_, err := store.AppendEntry(ctx, sessionID, fmt.Sprintf(`{"role":"user","content":"msg %d"}`, i))
		require.NoError(t, err)
	}

	entries, err := store.ListEntries(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf(`{"role":"user","content":"msg %d"}`, i), e.Payload)
		if i > 0 {
			assert.Greater(t, e.ID, entries[i-1].ID)
			assert.False(t, e.CreatedAt.Before(entries[i-1].CreatedAt))
		}
	}

	count, err := store.CountEntries(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestStore_SessionIsolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	userID := uuid.New()
	convA := DeriveSessionID(userID, uuid.New())
	convB := DeriveSessionID(userID, uuid.New())

	_, err := store.AppendEntry(ctx, convA, `{"role":"user","content":"a"}`)
	require.NoError(t, err)
	_, err = store.AppendEntry(ctx, convB, `{"role":"user","content":"b"}`)
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, convA)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"role":"user","content":"a"}`, entries[0].Payload)
}

func TestStore_DeleteSession_Cascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sessionID := newSessionID()

	for i := 0; i < 3; i++ {
		_, err := store.AppendEntry(ctx, sessionID, `{"role":"user","content":"x"}`)
		require.NoError(t, err)
	}

	require.NoError(t, store.DeleteSession(ctx, sessionID))

	count, err := store.CountEntries(ctx, sessionID)
	require.NoError(t, err)
	assert.Zero(t, count)

	stats, err := store.Stats(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, stats.CreatedAt)
}

func TestStore_ClearSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sessionID := newSessionID()

	for i := 0; i < 3; i++ {
		_, err := store.AppendEntry(ctx, sessionID, `{"role":"user","content":"x"}`)
		require.NoError(t, err)
	}

	require.NoError(t, store.ClearSession(ctx, sessionID))

	count, err := store.CountEntries(ctx, sessionID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The session row survives a clear
	stats, err := store.Stats(ctx, sessionID)
	require.NoError(t, err)
	assert.NotNil(t, stats.CreatedAt)
}

func TestStore_Stats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sessionID := newSessionID()

	// Missing session: zero count, nil timestamps, no error
	stats, err := store.Stats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, stats.SessionID)
	assert.Zero(t, stats.MessageCount)
	assert.Nil(t, stats.CreatedAt)
	assert.Nil(t, stats.LastActivity)

	for i := 0; i < 4; i++ {
		_, err := store.AppendEntry(ctx, sessionID, `{"role":"user","content":"x"}`)
		require.NoError(t, err)
	}

	stats, err = store.Stats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.MessageCount)
	require.NotNil(t, stats.CreatedAt)
	require.NotNil(t, stats.LastActivity)
	assert.False(t, stats.LastActivity.Before(*stats.CreatedAt))
}

func TestStore_RestartRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	sessionID := newSessionID()
	ctx := context.Background()

	store, err := OpenStore(dbPath, zerolog.Nop())
	require.NoError(t, err)

	payloads := []string{
		`{"role":"user","content":"first"}`,
		`{"role":"assistant","content":"second"}`,
		`{"role":"user","content":"third"}`,
	}
	for _, p := range payloads {
		_, err := store.AppendEntry(ctx, sessionID, p)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	// Reopen under the same derived id and observe the prior entries
	reopened, err := OpenStore(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.ListEntries(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, entries, len(payloads))
	for i, e := range entries {
		assert.Equal(t, payloads[i], e.Payload)
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sessionID := newSessionID()

	const goroutines = 10
	const perGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	errs := make(chan error, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, err := store.AppendEntry(ctx, sessionID, `{"role":"user","content":"concurrent"}`); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("append failed: %v", err)
	}

	count, err := store.CountEntries(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, goroutines*perGoroutine, count)
}
