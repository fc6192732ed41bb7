package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxMessages is the transcript length cap per session.
	DefaultMaxMessages = 200
	// DefaultRetentionDays is how long an inactive session is kept.
	DefaultRetentionDays = 7
)

// Manager enforces the per-session retention policies on top of the store:
// a capacity bound on transcript length and a time bound on inactivity.
type Manager struct {
	store         *Store
	maxMessages   int
	retentionDays int
	logger        zerolog.Logger
}

// ManagerConfig holds manager configuration. Values are captured once at
// construction.
type ManagerConfig struct {
	Store         *Store
	MaxMessages   int
	RetentionDays int
	Logger        zerolog.Logger
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.MaxMessages < 0 {
		return nil, errors.New("max messages must be positive")
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.RetentionDays < 0 {
		return nil, errors.New("retention days must be positive")
	}

	return &Manager{
		store:         cfg.Store,
		maxMessages:   cfg.MaxMessages,
		retentionDays: cfg.RetentionDays,
		logger:        cfg.Logger,
	}, nil
}

// Store returns the underlying session store.
func (m *Manager) Store() *Store {
	return m.store
}

// MaxMessages returns the transcript length cap.
func (m *Manager) MaxMessages() int {
	return m.maxMessages
}

// RetentionDays returns the inactivity retention window in days.
func (m *Manager) RetentionDays() int {
	return m.retentionDays
}

// GetSession derives the session id for the pair and returns the persisted
// session, creating it lazily on the first turn of a conversation.
func (m *Manager) GetSession(ctx context.Context, userID, conversationID uuid.UUID) (Session, error) {
	return m.store.GetOrCreate(ctx, DeriveSessionID(userID, conversationID))
}

// PruneSession removes the oldest entries if the session exceeds the
// transcript cap, returning the number deleted. Safe to invoke redundantly.
func (m *Manager) PruneSession(ctx context.Context, sessionID string) (int, error) {
	return m.store.PruneEntries(ctx, sessionID, m.maxMessages)
}

// CleanupInactiveSessions deletes sessions inactive for more than the
// retention window and returns the number deleted. The cutoff comparison is
// strict: a session updated exactly retentionDays ago is kept.
func (m *Manager) CleanupInactiveSessions(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.retentionDays)

	deleted, err := m.store.DeleteInactiveSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		m.logger.Info().
			Int("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Cleaned up inactive sessions")
	}

	return deleted, nil
}

// ClearSession wipes a session's transcript for corruption recovery.
func (m *Manager) ClearSession(ctx context.Context, sessionID string) error {
	return m.store.ClearSession(ctx, sessionID)
}

// SessionStats returns stored state for a session.
func (m *Manager) SessionStats(ctx context.Context, sessionID string) (Stats, error) {
	return m.store.Stats(ctx, sessionID)
}
