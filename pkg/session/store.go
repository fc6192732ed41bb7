package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Session identifies one (user, conversation) pair's persisted context.
type Session struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one stored turn's payload within a session.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats describes a session's stored state. CreatedAt and LastActivity are
// nil when the session does not exist, so absence is structurally
// distinguishable from an empty session.
type Stats struct {
	SessionID    string     `json:"session_id"`
	MessageCount int        `json:"message_count"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// Store persists sessions and transcript entries in a SQLite database.
// SQLite serializes concurrent writers via WAL mode; callers that need
// per-conversation turn ordering use the threadlock registry on top.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// OpenStore opens (creating if necessary) the session database at dbPath.
func OpenStore(dbPath string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Restrict the database file to the owning user
	if err := os.Chmod(dbPath, 0600); err != nil {
		logger.Warn().Err(err).Str("path", dbPath).Msg("Failed to restrict database permissions")
	}

	s.updateActiveSessionsMetric(context.Background())
	logger.Info().Str("path", dbPath).Msg("Session store opened")

	return s, nil
}

// initSchema creates database tables and the indexes backing the pruning
// and reaping range queries.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_sessions (
			session_id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS ix_agent_sessions_updated ON agent_sessions(updated_at);

		CREATE TABLE IF NOT EXISTS agent_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES agent_sessions(session_id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS ix_agent_messages_session_created ON agent_messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) updateActiveSessionsMetric(ctx context.Context) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_sessions").Scan(&count); err != nil {
		return
	}
	observability.SetActiveSessions(count)
}

// GetOrCreate returns the session for sessionID, creating it lazily on
// first use. Re-invoking for the same id is idempotent.
func (s *Store) GetOrCreate(ctx context.Context, sessionID string) (Session, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"taskpilot.session",
		"session.get_or_create",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if !ValidateSessionID(sessionID) {
		span.SetStatus(codes.Error, ErrInvalidSessionID.Error())
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (session_id, created_at, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, now, now,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	if inserted, _ := res.RowsAffected(); inserted > 0 {
		logger.Debug().Msg("Session created")
		s.updateActiveSessionsMetric(ctx)
	}

	var sess Session
	err = s.db.QueryRowContext(ctx,
		"SELECT session_id, created_at, updated_at FROM agent_sessions WHERE session_id = ?",
		sessionID,
	).Scan(&sess.SessionID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	return sess, nil
}

// AppendEntry appends one transcript entry and bumps the owning session's
// updated_at in the same transaction. The session is created if missing.
func (s *Store) AppendEntry(ctx context.Context, sessionID, payload string) (Entry, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"taskpilot.session",
		"session.append_entry",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if !ValidateSessionID(sessionID) {
		span.SetStatus(codes.Error, ErrInvalidSessionID.Error())
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	if payload == "" {
		return Entry{}, errors.New("payload cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_sessions (session_id, created_at, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, now, now,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, fmt.Errorf("failed to touch session: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO agent_messages (session_id, payload, created_at) VALUES (?, ?, ?)",
		sessionID, payload, now,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		span.RecordError(err)
		return Entry{}, fmt.Errorf("failed to read entry id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, fmt.Errorf("failed to commit entry: %w", err)
	}

	return Entry{ID: id, SessionID: sessionID, Payload: payload, CreatedAt: now}, nil
}

// ListEntries returns all transcript entries for a session ordered by
// creation time ascending, ties broken by id.
func (s *Store) ListEntries(ctx context.Context, sessionID string) ([]Entry, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"taskpilot.session",
		"session.list_entries",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if !ValidateSessionID(sessionID) {
		span.SetStatus(codes.Error, ErrInvalidSessionID.Error())
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, payload, created_at
		 FROM agent_messages
		 WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Payload, &e.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}

	return entries, nil
}

// CountEntries returns the number of transcript entries for a session.
func (s *Store) CountEntries(ctx context.Context, sessionID string) (int, error) {
	if !ValidateSessionID(sessionID) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM agent_messages WHERE session_id = ?",
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// PruneEntries deletes the oldest entries so at most maxEntries remain.
// It is a no-op at or under the limit and idempotent past the first call.
func (s *Store) PruneEntries(ctx context.Context, sessionID string, maxEntries int) (int, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"taskpilot.session",
		"session.prune_entries",
		attribute.String("session_id", sessionID),
		attribute.Int("max_entries", maxEntries),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if !ValidateSessionID(sessionID) {
		span.SetStatus(codes.Error, ErrInvalidSessionID.Error())
		return 0, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	if maxEntries <= 0 {
		return 0, fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM agent_messages WHERE session_id = ?",
		sessionID,
	).Scan(&count); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}

	if count <= maxEntries {
		return 0, nil
	}

	toDelete := count - maxEntries
	res, err := tx.ExecContext(ctx,
		`DELETE FROM agent_messages
		 WHERE id IN (
			SELECT id FROM agent_messages
			WHERE session_id = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		 )`,
		sessionID, toDelete,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to prune entries: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to read pruned count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	observability.RecordPrune(int(deleted))
	logger.Info().
		Int64("deleted", deleted).
		Int("remaining", maxEntries).
		Msg("Pruned transcript entries")

	return int(deleted), nil
}

// ClearSession deletes all transcript entries for a session but keeps the
// session row. Used by corruption recovery.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"taskpilot.session",
		"session.clear",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if !ValidateSessionID(sessionID) {
		span.SetStatus(codes.Error, ErrInvalidSessionID.Error())
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM agent_messages WHERE session_id = ?",
		sessionID,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to clear entries: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE agent_sessions SET updated_at = ? WHERE session_id = ?",
		time.Now().UTC(), sessionID,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit clear: %w", err)
	}

	logger.Info().Msg("Cleared session entries")
	return nil
}

// DeleteSession deletes a session and all its transcript entries.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"taskpilot.session",
		"session.delete",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if !ValidateSessionID(sessionID) {
		span.SetStatus(codes.Error, ErrInvalidSessionID.Error())
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM agent_messages WHERE session_id = ?",
		sessionID,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete entries: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM agent_sessions WHERE session_id = ?",
		sessionID,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.updateActiveSessionsMetric(ctx)
	logger.Info().Msg("Session deleted")
	return nil
}

// DeleteInactiveSessions deletes every session whose updated_at is strictly
// older than cutoff, cascading to its entries, and returns the number of
// sessions deleted. A session updated exactly at the cutoff is kept.
func (s *Store) DeleteInactiveSessions(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"taskpilot.session",
		"session.delete_inactive",
		attribute.String("cutoff", cutoff.UTC().Format(time.RFC3339)),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT session_id FROM agent_sessions WHERE updated_at < ?",
		cutoff.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to find inactive sessions: %w", err)
	}

	var inactive []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			span.RecordError(err)
			return 0, fmt.Errorf("failed to scan session id: %w", err)
		}
		inactive = append(inactive, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		span.RecordError(err)
		return 0, fmt.Errorf("failed to read inactive sessions: %w", err)
	}
	rows.Close()

	for _, id := range inactive {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM agent_messages WHERE session_id = ?", id,
		); err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("failed to delete entries for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM agent_sessions WHERE session_id = ?", id,
		); err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("failed to delete session %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}

	if len(inactive) > 0 {
		s.updateActiveSessionsMetric(ctx)
	}

	return len(inactive), nil
}

// Stats returns stored state for a session. A missing session yields zero
// counts and nil timestamps rather than an error.
func (s *Store) Stats(ctx context.Context, sessionID string) (Stats, error) {
	if !ValidateSessionID(sessionID) {
		return Stats{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	stats := Stats{SessionID: sessionID}

	var createdAt, updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM agent_sessions WHERE session_id = ?",
		sessionID,
	).Scan(&createdAt, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return stats, nil
	case err != nil:
		return Stats{}, fmt.Errorf("failed to load session: %w", err)
	}

	stats.CreatedAt = &createdAt
	stats.LastActivity = &updatedAt

	count, err := s.CountEntries(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	stats.MessageCount = count

	return stats, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Info().Msg("Session store closed")
	return s.db.Close()
}
