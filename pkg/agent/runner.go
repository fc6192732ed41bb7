package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/session"
	"github.com/harun/taskpilot/pkg/turn"
)

// Runner executes conversational turns against an LLM provider, reading
// and writing transcripts through the session store. It satisfies the
// turn pipeline's Runner interface.
type Runner struct {
	store           *session.Store
	providerFactory ProviderCreator
	logger          zerolog.Logger

	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	maxRetries   int

	// Auth profiles
	authProfiles []AuthProfile
	authMu       sync.RWMutex
}

// Config holds runner configuration
type Config struct {
	Store           *session.Store
	AuthProfiles    []AuthProfile
	Model           string
	SystemPrompt    string
	MaxTokens       int
	Temperature     float64
	MaxRetries      int
	ProviderFactory ProviderCreator
	Logger          zerolog.Logger
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return nil, fmt.Errorf("temperature must be between 0 and 1")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}

	return &Runner{
		store:           cfg.Store,
		providerFactory: providerFactory,
		logger:          cfg.Logger,
		model:           cfg.Model,
		systemPrompt:    cfg.SystemPrompt,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
		maxRetries:      cfg.MaxRetries,
		authProfiles:    cfg.AuthProfiles,
	}, nil
}

// Run executes one turn. With a session id it loads the transcript, calls
// the provider, and persists both sides of the exchange. With an empty
// session id it answers from the utterance alone and persists nothing.
func (r *Runner) Run(ctx context.Context, req turn.Request) (string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"taskpilot.agent",
		"agent.run",
		attribute.String("session.id", req.SessionID),
		attribute.Bool("stateless", req.SessionID == ""),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_id", req.SessionID).Logger()

	messages, err := r.buildMessages(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	response, err := r.callWithFailover(ctx, messages, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if req.SessionID != "" {
		if err := r.persistExchange(ctx, req.SessionID, req.Utterance, response.Content); err != nil {
			logger.Error().Err(err).Msg("Failed to persist exchange")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
	}

	return response.Content, nil
}

// buildMessages assembles the transcript plus the new utterance.
func (r *Runner) buildMessages(ctx context.Context, req turn.Request) ([]ChatMessage, error) {
	messages := []ChatMessage{}

	if req.SessionID != "" {
		entries, err := r.store.ListEntries(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session history: %w", err)
		}

		for _, entry := range entries {
			msg, err := DecodeEntry(entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", entry.ID, err)
			}
			messages = append(messages, msg)
		}
	}

	messages = append(messages, ChatMessage{
		Role:    RoleUser,
		Content: req.Utterance,
	})

	return messages, nil
}

// persistExchange appends the user and assistant messages to the session.
func (r *Runner) persistExchange(ctx context.Context, sessionID, utterance, response string) error {
	userPayload, err := EncodeEntry(ChatMessage{Role: RoleUser, Content: utterance})
	if err != nil {
		return err
	}
	if _, err := r.store.AppendEntry(ctx, sessionID, userPayload); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}

	assistantPayload, err := EncodeEntry(ChatMessage{Role: RoleAssistant, Content: response})
	if err != nil {
		return err
	}
	if _, err := r.store.AppendEntry(ctx, sessionID, assistantPayload); err != nil {
		return fmt.Errorf("failed to save assistant message: %w", err)
	}

	return nil
}

// callWithFailover tries auth profiles in priority order.
func (r *Runner) callWithFailover(ctx context.Context, messages []ChatMessage, logger zerolog.Logger) (*LLMResponse, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()

	// Lower priority value wins
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	var lastErr error

	for _, profile := range profiles {
		provider, err := r.providerFactory.NewProvider(profile)
		if err != nil {
			logger.Warn().
				Str("profile_id", profile.ID).
				Err(err).
				Msg("Failed to create provider")
			lastErr = err
			continue
		}

		response, err := r.callWithRetry(ctx, provider, messages, logger)
		if err == nil {
			return response, nil
		}

		lastErr = err
		logger.Warn().
			Str("profile_id", profile.ID).
			Str("provider", provider.Provider()).
			Err(err).
			Msg("Auth profile failed")

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// callWithRetry calls the provider with exponential backoff retry
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, messages []ChatMessage, logger zerolog.Logger) (*LLMResponse, error) {
	request := LLMRequest{
		Model:        r.model,
		Messages:     messages,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
		SystemPrompt: r.systemPrompt,
	}

	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}

		if attempt == r.maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := time.Duration(1<<attempt) * time.Second
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}
