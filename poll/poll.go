// Package poll drives the fetch, dedup and notify cycle against the portal.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"otp-notifier/clock"
	"otp-notifier/dedup"
	"otp-notifier/health"
	"otp-notifier/pkg/otp"
	"otp-notifier/session"
)

// ErrSessionUnavailable means the session resource could not be built at
// start. It is the only condition the monitor does not retry on its own.
var ErrSessionUnavailable = errors.New("session resource unavailable")

// errorNotifyEvery throttles error notifications to every Nth consecutive failure.
const errorNotifyEvery = 5

// Session is the authenticated portal connection.
type Session interface {
	Open(ctx context.Context) error
	EnsureAuthenticated(ctx context.Context) error
	Fetch(ctx context.Context) ([]otp.Entry, error)
	Reset() error
	State() otp.SessionState
	Health() otp.ComponentHealth
}

// Deduplicator filters fetched entries down to new ones.
type Deduplicator interface {
	ProcessBatch(ctx context.Context, entries []otp.Entry) ([]*otp.Record, error)
}

// Notifier receives status messages.
type Notifier interface {
	SendStatus(ctx context.Context, text string, isError bool)
}

// HealthFunc reports the health of one dependency.
type HealthFunc func(ctx context.Context) otp.ComponentHealth

// Config holds the monitor's dependencies and timing.
type Config struct {
	Session    Session
	Dedup      Deduplicator
	Notifier   Notifier
	Tracker    *health.Tracker
	Clock      clock.Clock
	Logger     *slog.Logger
	Components map[string]HealthFunc
	Rand       func() float64 // Uniform in [0, 1); used for jitter
	Interval   time.Duration
	RetryDelay time.Duration
	DryRun     bool
}

// Monitor runs the poll loop. At most one cycle touches the session at a
// time: the loop, ForceFetch and RestartSession share one slot.
type Monitor struct {
	startedAt  time.Time
	session    Session
	dedup      Deduplicator
	notifier   Notifier
	tracker    *health.Tracker
	clock      clock.Clock
	logger     *slog.Logger
	components map[string]HealthFunc
	rand       func() float64
	cancel     context.CancelFunc
	done       chan struct{}
	sem        chan struct{}
	interval   time.Duration
	retryDelay time.Duration
	lifecycle  sync.Mutex // Serializes Start and Stop
	mu         sync.Mutex
	running    bool
	dryRun     bool
}

// New creates a stopped monitor.
func New(cfg *Config) *Monitor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = health.NewTracker()
	}
	return &Monitor{
		session:    cfg.Session,
		dedup:      cfg.Dedup,
		notifier:   cfg.Notifier,
		tracker:    tracker,
		clock:      clk,
		logger:     cfg.Logger,
		components: cfg.Components,
		rand:       rnd,
		sem:        make(chan struct{}, 1),
		interval:   cfg.Interval,
		retryDelay: cfg.RetryDelay,
		dryRun:     cfg.DryRun,
	}
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StartedAt returns when the loop was last started.
func (m *Monitor) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Start opens the session resource and launches the loop. A failure to open
// the resource is returned wrapped in ErrSessionUnavailable and nothing runs.
// The loop outlives ctx; use Stop to end it.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	running, prev := m.running, m.done
	m.mu.Unlock()

	if running {
		m.logger.Info("Monitor already running")
		return nil
	}

	// A loop abandoned by a timed-out Stop may still be finishing its cycle.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return fmt.Errorf("wait for previous poll loop: %w", ctx.Err())
		}
	}

	if err := m.acquire(ctx); err != nil {
		return fmt.Errorf("wait for poll cycle: %w", err)
	}
	err := m.session.Open(ctx)
	m.release()
	if err != nil {
		m.tracker.RecordError(err)
		return fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.running = true
	m.startedAt = m.clock.Now()
	m.mu.Unlock()

	go m.run(loopCtx, done)

	m.logger.Info("Monitor started", "interval", m.interval, "retry_delay", m.retryDelay, "dry_run", m.dryRun)
	m.notifier.SendStatus(ctx, "Monitor started", false)
	return nil
}

// Stop cancels the loop and returns once it has exited, any forced fetch has
// finished, and the session resource is closed. The monitor reports itself
// stopped as soon as the loop is cancelled, even if ctx expires while waiting.
func (m *Monitor) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	running, cancel, done := m.running, m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if !running {
		m.logger.Info("Monitor not running")
	} else {
		cancel()
		m.logger.Info("Monitor stopping")
	}

	if done != nil {
		select {
		case <-done:
			m.mu.Lock()
			if m.done == done {
				m.done = nil
			}
			m.mu.Unlock()
		case <-ctx.Done():
			return fmt.Errorf("wait for poll loop: %w", ctx.Err())
		}
	}

	if err := m.acquire(ctx); err != nil {
		return fmt.Errorf("wait for in-flight fetch: %w", err)
	}
	resetErr := m.session.Reset()
	m.release()

	if !running {
		return resetErr
	}

	m.logger.Info("Monitor stopped")
	m.notifier.SendStatus(ctx, "Monitor stopped", false)
	if resetErr != nil {
		return fmt.Errorf("close session: %w", resetErr)
	}
	return nil
}

func (m *Monitor) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) release() {
	<-m.sem
}

// jittered returns the interval scaled by a uniform factor in [0.9, 1.1).
func (m *Monitor) jittered() time.Duration {
	return time.Duration(float64(m.interval) * (0.9 + 0.2*m.rand()))
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	m.logger.Info("Poll loop started")

	for {
		if ctx.Err() != nil {
			m.logger.Info("Poll loop cancelled")
			return
		}

		sleep := m.jittered()
		if err := m.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				m.logger.Info("Poll loop cancelled during cycle")
				return
			}
			if !session.IsAuthError(err) {
				sleep = m.retryDelay
			}
		}

		m.logger.Debug("Sleeping until next poll", "duration", sleep)
		select {
		case <-ctx.Done():
			m.logger.Info("Poll loop cancelled")
			return
		case <-m.clock.After(sleep):
		}
	}
}

// runCycle performs one scheduled cycle and handles its failure accounting.
func (m *Monitor) runCycle(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	fresh, err := m.fetchOnce(ctx)
	if err == nil {
		if len(fresh) > 0 {
			m.logger.Info("Poll cycle found new OTPs", "count", len(fresh))
		}
		return nil
	}
	if ctx.Err() != nil || session.IsAuthError(err) {
		return err
	}

	failures := m.tracker.FetchFailed(err)
	m.logger.Error("Poll cycle failed", "consecutive_failures", failures, "error", err)
	if failures%errorNotifyEvery == 0 {
		m.notifier.SendStatus(ctx, fmt.Sprintf("Error in monitoring loop (%d consecutive failures): %v", failures, err), true)
	}
	return err
}

// fetchOnce authenticates, fetches and deduplicates. Callers hold the slot.
func (m *Monitor) fetchOnce(ctx context.Context) ([]*otp.Record, error) {
	if err := m.session.EnsureAuthenticated(ctx); err != nil {
		m.logger.Warn("Session not ready, skipping fetch", "error", err)
		m.tracker.RecordError(err)
		return nil, err
	}

	entries, err := m.session.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	fresh, err := m.dedup.ProcessBatch(ctx, entries)
	if err != nil {
		if !dedup.IsPersistenceError(err) {
			return fresh, fmt.Errorf("process batch: %w", err)
		}
		m.logger.Warn("Some entries were not persisted and will be retried", "error", err)
	}

	m.tracker.FetchSucceeded(m.clock.Now())
	m.logger.Debug("Fetch completed", "entries", len(entries), "new", len(fresh))
	return fresh, nil
}

// ForceFetch runs one fetch cycle now, waiting for any cycle in progress.
// It works whether or not the loop is running.
func (m *Monitor) ForceFetch(ctx context.Context) ([]*otp.Record, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, fmt.Errorf("wait for poll cycle: %w", err)
	}
	defer m.release()

	m.logger.Info("Forced fetch requested")
	fresh, err := m.fetchOnce(ctx)
	if err != nil {
		if !session.IsAuthError(err) && ctx.Err() == nil {
			m.tracker.FetchFailed(err)
		}
		return nil, fmt.Errorf("force fetch: %w", err)
	}
	return fresh, nil
}

// RestartSession tears down the session resource and authenticates afresh.
func (m *Monitor) RestartSession(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return fmt.Errorf("wait for poll cycle: %w", err)
	}
	defer m.release()

	m.logger.Info("Restarting session")
	if err := m.session.Reset(); err != nil {
		m.logger.Warn("Failed to close session during restart", "error", err)
	}
	if err := m.session.EnsureAuthenticated(ctx); err != nil {
		m.tracker.RecordError(err)
		return fmt.Errorf("restart session: %w", err)
	}
	m.notifier.SendStatus(ctx, "Session restarted", false)
	return nil
}

// Statistics returns the current counters.
func (m *Monitor) Statistics() otp.Statistics {
	return health.Statistics(m.tracker.Snapshot(), m.session.State(), m.interval, m.Running(), m.dryRun)
}

// HealthCheck evaluates the monitor and its components.
func (m *Monitor) HealthCheck(ctx context.Context) otp.Health {
	components := map[string]otp.ComponentHealth{"auth": m.session.Health()}
	for name, fn := range m.components {
		components[name] = fn(ctx)
	}
	return health.Evaluate(health.Input{
		Now:          m.clock.Now(),
		StartedAt:    m.StartedAt(),
		Components:   components,
		Counters:     m.tracker.Snapshot(),
		State:        m.session.State(),
		PollInterval: m.interval,
		Running:      m.Running(),
	})
}
