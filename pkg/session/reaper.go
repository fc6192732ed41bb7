package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// State is the reaper lifecycle state.
type State int32

const (
	// StateStopped means the reaper is not running.
	StateStopped State = iota
	// StateWaiting means the reaper is sleeping until the next scheduled sweep.
	StateWaiting
	// StateSweeping means a sweep is in progress.
	StateSweeping
)

const (
	// sweepInterval separates successful sweeps.
	sweepInterval = 24 * time.Hour
	// retryInterval reschedules after a failed sweep.
	retryInterval = time.Hour
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateWaiting:
		return "waiting"
	case StateSweeping:
		return "sweeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reaper deletes inactive sessions on a daily schedule anchored to a
// configured UTC hour. One sweep instance exists per process; sweeps never
// run concurrently with each other.
type Reaper struct {
	manager  *Manager
	hourUTC  int
	schedule cron.Schedule
	sweep    func(ctx context.Context) (int, error)
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	state   atomic.Int32
}

// NewReaper creates a reaper sweeping daily at hourUTC (0-23).
func NewReaper(manager *Manager, hourUTC int, logger zerolog.Logger) (*Reaper, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	if hourUTC < 0 || hourUTC > 23 {
		return nil, fmt.Errorf("cleanup hour must be in [0,23], got %d", hourUTC)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(fmt.Sprintf("0 %d * * *", hourUTC))
	if err != nil {
		return nil, fmt.Errorf("failed to build sweep schedule: %w", err)
	}

	r := &Reaper{
		manager:  manager,
		hourUTC:  hourUTC,
		schedule: schedule,
		logger:   logger,
	}
	r.sweep = r.Sweep
	return r, nil
}

// State returns the current lifecycle state.
func (r *Reaper) State() State {
	return State(r.state.Load())
}

// Start launches the background sweep loop.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("reaper is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.run(ctx)

	r.logger.Info().
		Int("hour_utc", r.hourUTC).
		Int("retention_days", r.manager.RetentionDays()).
		Msg("Session reaper started")

	return nil
}

// Stop cancels the in-flight wait or sweep and blocks until the loop has
// exited. No sweep continues after Stop returns. The lifecycle mutex stays
// held until the loop is gone, so a concurrent Start cannot launch a second
// loop while the old one winds down.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return errors.New("reaper is not running")
	}

	r.cancel()
	<-r.done
	r.running = false

	r.logger.Info().Msg("Session reaper stopped")
	return nil
}

// nextBoundary returns the next occurrence of the configured UTC hour. If
// the hour has already passed today, the boundary is tomorrow at that hour.
func (r *Reaper) nextBoundary(now time.Time) time.Time {
	return r.schedule.Next(now.UTC())
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)
	defer r.state.Store(int32(StateStopped))

	next := r.nextBoundary(time.Now())
	wait := time.Until(next)
	r.logger.Info().
		Time("next_sweep", next).
		Dur("wait", wait).
		Msg("Waiting until next scheduled sweep")

	for {
		r.state.Store(int32(StateWaiting))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		r.state.Store(int32(StateSweeping))
		_, err := r.sweep(ctx)

		var ok bool
		if wait, ok = r.nextWait(ctx, err); !ok {
			return
		}
	}
}

// nextWait picks the delay before the next sweep attempt. A failed sweep
// reschedules after retryInterval instead of killing the loop; cancellation
// mid-sweep ends the loop and is not treated as a failure.
func (r *Reaper) nextWait(ctx context.Context, err error) (time.Duration, bool) {
	if err == nil {
		return sweepInterval, true
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return 0, false
	}
	r.logger.Error().Err(err).Msg("Sweep failed, retrying in 1 hour")
	return retryInterval, true
}

// Sweep runs one inactivity sweep immediately. It is also the body of each
// scheduled run, so tests can drive a sweep without racing a timer.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()

	deleted, err := r.manager.CleanupInactiveSessions(ctx)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		observability.RecordReapSweep(0, duration, false)
		return 0, fmt.Errorf("sweep failed: %w", err)
	}

	observability.RecordReapSweep(deleted, duration, true)
	r.logger.Info().
		Int("deleted", deleted).
		Dur("duration", duration).
		Msg("Sweep completed")

	return deleted, nil
}
