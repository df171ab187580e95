// Package session owns the authenticated connection to the SMS portal.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeGROOVE-dev/retry"

	"otp-notifier/clock"
	"otp-notifier/health"
	"otp-notifier/pkg/otp"
)

// Credentials are the portal login details.
type Credentials struct {
	Email    string
	Password string
}

// Provider drives one portal session resource.
type Provider interface {
	Login(ctx context.Context, creds Credentials) (bool, string)
	ValidateSession(ctx context.Context) bool
	NavigateToFeed(ctx context.Context) (bool, string)
	FetchEntries(ctx context.Context) ([]otp.Entry, error)
	Close() error
}

// Factory constructs a fresh provider resource.
type Factory func(ctx context.Context) (Provider, error)

// StatusNotifier receives login and navigation status messages.
type StatusNotifier interface {
	SendStatus(ctx context.Context, text string, isError bool)
}

// Config holds the dependencies of a Machine.
type Config struct {
	Factory     Factory
	Notifier    StatusNotifier
	Tracker     *health.Tracker
	Clock       clock.Clock
	Logger      *slog.Logger
	Credentials Credentials
	Policy      Policy
}

// Machine is the session state machine. Callers serialize EnsureAuthenticated,
// Fetch, and Reset; State and Health may be called from anywhere.
type Machine struct {
	provider Provider
	factory  Factory
	notifier StatusNotifier
	tracker  *health.Tracker
	clock    clock.Clock
	logger   *slog.Logger
	creds    Credentials
	policy   Policy
	state    otp.SessionState
	mu       sync.Mutex
}

// New creates a Machine in the LoggedOut state without a resource.
func New(cfg *Config) *Machine {
	policy := cfg.Policy
	if policy.Attempts == 0 {
		policy = DefaultPolicy
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Machine{
		factory:  cfg.Factory,
		notifier: cfg.Notifier,
		tracker:  cfg.Tracker,
		clock:    clk,
		logger:   cfg.Logger,
		creds:    cfg.Credentials,
		policy:   policy,
		state:    otp.LoggedOut,
	}
}

// State returns the current session state.
func (m *Machine) State() otp.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s otp.SessionState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("Session state changed", "from", prev.String(), "to", s.String())
	}
}

// Health reports the auth component.
func (m *Machine) Health() otp.ComponentHealth {
	return health.AuthComponent(m.State(), m.tracker.Snapshot().LoginAttempts)
}

// Open constructs the provider resource if none exists.
func (m *Machine) Open(ctx context.Context) error {
	_, err := m.ensureProvider(ctx)
	return err
}

func (m *Machine) ensureProvider(ctx context.Context) (Provider, error) {
	m.mu.Lock()
	p := m.provider
	m.mu.Unlock()
	if p != nil {
		return p, nil
	}

	m.logger.Info("Creating session resource")
	p, err := m.factory(ctx)
	if err != nil {
		return nil, &AuthError{Stage: StageOpen, Err: err}
	}

	m.mu.Lock()
	if existing := m.provider; existing != nil {
		m.mu.Unlock()
		m.logger.Warn("Session resource built concurrently, closing duplicate")
		if err := p.Close(); err != nil {
			m.logger.Warn("Failed to close duplicate session resource", "error", err)
		}
		return existing, nil
	}
	m.provider = p
	m.state = otp.LoggedOut
	m.mu.Unlock()
	return p, nil
}

// EnsureAuthenticated returns nil once a validated, feed-positioned session
// exists, or an *AuthError describing why none could be established.
func (m *Machine) EnsureAuthenticated(ctx context.Context) error {
	p, err := m.ensureProvider(ctx)
	if err != nil {
		return err
	}

	if m.State() == otp.Authenticated {
		if p.ValidateSession(ctx) {
			return nil
		}
		m.logger.Warn("Session validation failed, re-authenticating")
		m.setState(otp.Expired)
	}

	m.setState(otp.LoggingIn)

	var lastMsg string
	var attempts int
	err = retryLogin(ctx, m.policy, m.logger, func(attempt uint) error {
		attempts = int(attempt)
		m.tracker.LoginAttempted(m.clock.Now())
		m.logger.Info("Attempting login", "attempt", attempt, "max_attempts", m.policy.Attempts)

		ok, msg := p.Login(ctx, m.creds)
		lastMsg = msg
		if ok {
			m.notifier.SendStatus(ctx, "Login successful: "+msg, false)
			return nil
		}
		if ctx.Err() != nil {
			return retry.Unrecoverable(ctx.Err())
		}
		m.notifier.SendStatus(ctx, "Login failed: "+msg, true)
		return errors.New(msg)
	})
	if err != nil {
		authErr := &AuthError{Stage: StageLogin, Attempts: attempts, Message: lastMsg, Err: err}
		if ctx.Err() != nil {
			m.setState(otp.LoggedOut)
			return authErr
		}
		m.logger.Error("Login failed on every attempt, rebuilding session resource", "attempts", attempts, "error", err)
		if closeErr := m.Reset(); closeErr != nil {
			m.logger.Warn("Failed to close session resource", "error", closeErr)
		}
		return authErr
	}

	ok, msg := p.NavigateToFeed(ctx)
	if !ok {
		m.logger.Warn("Navigation to feed failed after login", "message", msg)
		m.notifier.SendStatus(ctx, "Navigation failed: "+msg, true)
		m.setState(otp.Expired)
		return &AuthError{Stage: StageNavigate, Attempts: attempts, Message: msg}
	}

	m.notifier.SendStatus(ctx, "Navigation successful: "+msg, false)
	m.setState(otp.Authenticated)
	m.logger.Info("Session authenticated", "attempts", attempts)
	return nil
}

// Fetch reads the current entries. Errors are returned as *FetchError.
func (m *Machine) Fetch(ctx context.Context) ([]otp.Entry, error) {
	m.mu.Lock()
	p, state := m.provider, m.state
	m.mu.Unlock()

	if p == nil || state != otp.Authenticated {
		return nil, &FetchError{Err: ErrNotAuthenticated}
	}
	entries, err := p.FetchEntries(ctx)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return entries, nil
}

// Reset closes and drops the provider resource and returns to LoggedOut.
// The next EnsureAuthenticated builds a new resource.
func (m *Machine) Reset() error {
	m.mu.Lock()
	p := m.provider
	m.provider = nil
	m.state = otp.LoggedOut
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("close session resource: %w", err)
	}
	m.logger.Info("Session resource closed")
	return nil
}
