// Package daemon wires the taskpilot runtime together: session store,
// retention reaper, agent runner, turn pipeline, and the HTTP gateway.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/taskpilot/internal/config"
	"github.com/harun/taskpilot/internal/logger"
	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/agent"
	"github.com/harun/taskpilot/pkg/gateway"
	"github.com/harun/taskpilot/pkg/session"
	"github.com/harun/taskpilot/pkg/threadlock"
	"github.com/harun/taskpilot/pkg/turn"
)

// Daemon represents the taskpilot daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store    *session.Store
	manager  *session.Manager
	reaper   *session.Reaper
	runner   *agent.Runner
	pipeline *turn.Pipeline
	locks    *threadlock.Registry

	// Services
	gatewayServer *gateway.Server

	// Internal
	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the daemon's runtime state.
type Status struct {
	Running bool
	Uptime  time.Duration
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if err := tracing.InitOpenTelemetry("taskpilot-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
		log.Info().Msg("Tracing initialized successfully")
	}

	if err := d.initialize(); err != nil {
		d.teardownPartial()
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initialize builds the core modules in dependency order.
func (d *Daemon) initialize() error {
	zl := d.logger.GetZerolog()

	store, err := session.OpenStore(d.config.Session.DBPath, zl)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = store
	d.logger.Info().Str("path", store.Path()).Msg("Session store opened")

	manager, err := session.NewManager(session.ManagerConfig{
		Store:         store,
		MaxMessages:   d.config.Session.MaxMessages,
		RetentionDays: d.config.Session.RetentionDays,
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.manager = manager

	reaper, err := session.NewReaper(manager, d.config.Session.CleanupHourUTC, zl)
	if err != nil {
		return fmt.Errorf("failed to create session reaper: %w", err)
	}
	d.reaper = reaper

	profiles := make([]agent.AuthProfile, 0, len(d.config.AI.Profiles))
	for _, p := range d.config.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}

	runner, err := agent.NewRunner(agent.Config{
		Store:        store,
		AuthProfiles: profiles,
		Model:        d.config.AI.Model,
		SystemPrompt: d.config.AI.SystemPrompt,
		MaxTokens:    d.config.AI.MaxTokens,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner

	pipeline, err := turn.NewPipeline(runner, manager, zl)
	if err != nil {
		return fmt.Errorf("failed to create turn pipeline: %w", err)
	}
	d.pipeline = pipeline

	d.locks = threadlock.NewRegistry(zl)

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:     d.config.Gateway.Host,
		Port:     d.config.Gateway.Port,
		Pipeline: pipeline,
		Manager:  manager,
		Locks:    d.locks,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer

	return nil
}

// Start brings the daemon online: PID file, reaper, gateway.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	if err := d.reaper.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	d.startTime = time.Now()
	d.running = true

	d.logger.Info().
		Str("host", d.config.Gateway.Host).
		Int("port", d.config.Gateway.Port).
		Msg("Daemon started")

	return nil
}

// Stop shuts the daemon down in reverse dependency order. In-flight
// requests get ten seconds to drain.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return fmt.Errorf("daemon is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.gatewayServer.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Gateway shutdown error")
	}

	if err := d.reaper.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Reaper stop error")
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Session store close error")
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Lifecycle stop error")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
			d.logger.Error().Err(err).Msg("Tracing shutdown error")
		}
		d.tracingEnabled = false
	}

	d.running = false
	d.logger.Info().Msg("Daemon stopped")

	return nil
}

// teardownPartial releases whatever initialize managed to build.
func (d *Daemon) teardownPartial() {
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// Status returns the daemon's runtime state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	return status
}
