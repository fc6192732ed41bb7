// Package turn runs one conversational turn end to end: resolve the
// session, invoke the runner, persist the exchange, prune the transcript.
//
// Session failures degrade instead of failing the turn. An unreachable
// store drops history for the turn and answers statelessly; a corrupted
// transcript is wiped and the turn retried on the fresh session. Either
// path surfaces a user-facing warning on the reply.
package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "taskpilot.turn"

// User-facing warnings attached to degraded replies.
const (
	WarningUnavailable = "Context unavailable - continuing without conversation history"
	WarningCorrupted   = "Session data corrupted - starting fresh conversation"
)

// Request is one inbound utterance bound to a session. An empty SessionID
// requests a stateless run: no history is read and nothing is persisted.
type Request struct {
	SessionID string
	Utterance string
	Context   map[string]string
}

// Reply is the runner's answer plus an optional degradation warning.
type Reply struct {
	Content string `json:"content"`
	Warning string `json:"warning,omitempty"`
}

// Runner produces the reply for a request. Implementations read and write
// session history themselves when SessionID is set.
type Runner interface {
	Run(ctx context.Context, req Request) (string, error)
}

// Pipeline executes turns against a runner with recovery policy applied.
type Pipeline struct {
	runner  Runner
	manager *session.Manager
	logger  zerolog.Logger
}

// NewPipeline creates a turn pipeline.
func NewPipeline(runner Runner, manager *session.Manager, logger zerolog.Logger) (*Pipeline, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	return &Pipeline{
		runner:  runner,
		manager: manager,
		logger:  logger,
	}, nil
}

// Execute runs one turn for sessionID. Recovery applies only to session
// failures; runner errors on a healthy session propagate to the caller.
func (p *Pipeline) Execute(ctx context.Context, sessionID, utterance string) (Reply, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "turn.execute",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	start := time.Now()

	if !session.ValidateSessionID(sessionID) {
		err := fmt.Errorf("session id %q: %w", sessionID, session.ErrInvalidSessionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid session id")
		observability.RecordTurn(time.Since(start), false)
		return Reply{}, err
	}

	req := Request{SessionID: sessionID, Utterance: utterance}

	content, err := p.runner.Run(ctx, req)
	if err != nil {
		reply, recErr := p.recover(ctx, req, err)
		if recErr != nil {
			span.RecordError(recErr)
			span.SetStatus(codes.Error, "turn failed")
			observability.RecordTurn(time.Since(start), false)
			return Reply{}, recErr
		}
		observability.RecordTurn(time.Since(start), true)
		return reply, nil
	}

	p.pruneAfterTurn(ctx, sessionID)

	observability.RecordTurn(time.Since(start), true)
	return Reply{Content: content}, nil
}

// recover applies the failure policy to a failed turn. Unavailable stores
// get a stateless rerun with no persistence; corrupted transcripts get one
// wipe-and-retry. Anything else propagates unchanged.
func (p *Pipeline) recover(ctx context.Context, req Request, cause error) (Reply, error) {
	switch session.Classify(cause) {
	case session.FailureUnavailable:
		p.logger.Warn().Err(cause).
			Str("session_id", req.SessionID).
			Msg("Session store unavailable, answering without history")

		stateless := req
		stateless.SessionID = ""
		content, err := p.runner.Run(ctx, stateless)
		if err != nil {
			return Reply{}, fmt.Errorf("stateless fallback failed: %w", err)
		}

		observability.RecordTurnRecovery("unavailable")
		return Reply{Content: content, Warning: WarningUnavailable}, nil

	case session.FailureCorrupted:
		p.logger.Warn().Err(cause).
			Str("session_id", req.SessionID).
			Msg("Session data corrupted, clearing and retrying")

		if err := p.manager.ClearSession(ctx, req.SessionID); err != nil {
			return Reply{}, fmt.Errorf("failed to clear corrupted session: %w", err)
		}

		content, err := p.runner.Run(ctx, req)
		if err != nil {
			return Reply{}, fmt.Errorf("retry after clear failed: %w", err)
		}

		p.pruneAfterTurn(ctx, req.SessionID)

		observability.RecordTurnRecovery("corrupted")
		return Reply{Content: content, Warning: WarningCorrupted}, nil

	default:
		return Reply{}, cause
	}
}

// pruneAfterTurn enforces the transcript cap. Prune failures are logged
// and swallowed: the reply was already produced and persisted.
func (p *Pipeline) pruneAfterTurn(ctx context.Context, sessionID string) {
	deleted, err := p.manager.PruneSession(ctx, sessionID)
	if err != nil {
		p.logger.Error().Err(err).
			Str("session_id", sessionID).
			Msg("Failed to prune session after turn")
		return
	}
	if deleted > 0 {
		p.logger.Debug().
			Str("session_id", sessionID).
			Int("deleted", deleted).
			Msg("Pruned session transcript")
	}
}
