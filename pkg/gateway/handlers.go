package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/session"
)

// userIDHeader carries the authenticated user's id, set by the fronting
// auth layer.
const userIDHeader = "X-User-ID"

type messageRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type threadStatsResponse struct {
	ThreadID     string  `json:"thread_id"`
	MessageCount int     `json:"message_count"`
	CreatedAt    *string `json:"created_at,omitempty"`
	LastActivity *string `json:"last_activity,omitempty"`
}

// handleMessage runs one turn for a thread. Turns for the same thread are
// serialized; the lock reference is dropped once the turn finishes, and the
// registry evicts the entry when no request holds or waits on it.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx, logger := s.requestContext(r)

	threadID, userID, ok := s.identify(w, r, logger)
	if !ok {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	sessionID := session.DeriveSessionID(userID, threadID)
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx = tracing.WithThreadID(ctx, threadID.String())

	lock := s.locks.Acquire(threadID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.locks.Release(threadID)
	}()

	reply, err := s.pipeline.Execute(ctx, sessionID, req.Content)
	if err != nil {
		if errors.Is(err, session.ErrInvalidSessionID) {
			writeError(w, http.StatusBadRequest, "invalid thread or user id")
			return
		}
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Turn failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

// handleThreadStats reports stored state for a thread's session.
func (s *Server) handleThreadStats(w http.ResponseWriter, r *http.Request) {
	_, logger := s.requestContext(r)

	threadID, userID, ok := s.identify(w, r, logger)
	if !ok {
		return
	}

	sessionID := session.DeriveSessionID(userID, threadID)

	stats, err := s.manager.SessionStats(r.Context(), sessionID)
	if err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load thread stats")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := threadStatsResponse{
		ThreadID:     threadID.String(),
		MessageCount: stats.MessageCount,
	}
	if stats.CreatedAt != nil {
		created := stats.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.CreatedAt = &created
	}
	if stats.LastActivity != nil {
		last := stats.LastActivity.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastActivity = &last
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleThreadDelete removes a thread's session and transcript.
func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	_, logger := s.requestContext(r)

	threadID, userID, ok := s.identify(w, r, logger)
	if !ok {
		return
	}

	sessionID := session.DeriveSessionID(userID, threadID)

	if err := s.manager.Store().DeleteSession(r.Context(), sessionID); err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to delete thread")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// requestContext tags the request with a fresh id for log correlation.
func (s *Server) requestContext(r *http.Request) (ctx context.Context, logger zerolog.Logger) {
	ctx = tracing.NewRequestContext(r.Context())
	if requestID, err := gonanoid.New(); err == nil {
		ctx = tracing.WithRequestID(ctx, requestID)
	}
	return ctx, tracing.LoggerFromContext(ctx, s.logger)
}

// identify extracts the thread id from the path and the user id from the
// auth header, writing the 4xx response itself when either is unusable.
func (s *Server) identify(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (threadID, userID uuid.UUID, ok bool) {
	threadID, err := uuid.Parse(r.PathValue("thread"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return uuid.UUID{}, uuid.UUID{}, false
	}

	header := r.Header.Get(userIDHeader)
	if header == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return uuid.UUID{}, uuid.UUID{}, false
	}
	userID, err = uuid.Parse(header)
	if err != nil {
		logger.Debug().Str("header", header).Msg("Rejected malformed user id")
		writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.UUID{}, uuid.UUID{}, false
	}

	return threadID, userID, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
