// Package notify delivers OTPs and status messages to every configured channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"otp-notifier/pkg/otp"
)

// DefaultTimeout bounds a single provider send.
const DefaultTimeout = 30 * time.Second

// Message is one outbound notification. Exactly one of Record or Text is set.
type Message struct {
	Record  *otp.Record
	Text    string
	IsError bool
}

// Subject returns a short title for channels that have one.
func (m Message) Subject() string {
	switch {
	case m.Record != nil && m.Record.Service != "":
		return "New OTP from " + m.Record.Service
	case m.Record != nil:
		return "New OTP from " + m.Record.Sender
	case m.IsError:
		return "OTP monitor error"
	default:
		return "OTP monitor status"
	}
}

// Provider delivers messages over one channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// NotificationError reports that a provider failed to deliver a message.
type NotificationError struct {
	Err      error
	Provider string
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify via %s: %v", e.Provider, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// IsNotificationError checks if an error is a delivery failure.
func IsNotificationError(err error) bool {
	var nErr *NotificationError
	return errors.As(err, &nErr)
}

// Sender fans messages out to all providers. Failures are logged, never returned.
type Sender struct {
	logger    *slog.Logger
	providers []Provider
	timeout   time.Duration
}

// New creates a Sender. A zero timeout means DefaultTimeout.
func New(logger *slog.Logger, timeout time.Duration, providers ...Provider) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{logger: logger, providers: providers, timeout: timeout}
}

// Providers returns the names of the configured providers.
func (s *Sender) Providers() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// SendOTP delivers a captured OTP.
func (s *Sender) SendOTP(ctx context.Context, r *otp.Record) {
	s.logger.Info("Sending OTP notification", "otp_id", r.ID, "providers", len(s.providers))
	s.dispatch(ctx, Message{Record: r})
}

// SendStatus delivers an informational or error status line.
func (s *Sender) SendStatus(ctx context.Context, text string, isError bool) {
	s.dispatch(ctx, Message{Text: text, IsError: isError})
}

// Send delivers msg and returns the joined provider failures. SendOTP and
// SendStatus discard the result; callers that need it, such as a test
// endpoint, use Send directly.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup

	for _, p := range s.providers {
		wg.Go(func() {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()

			start := time.Now()
			if err := p.Send(sendCtx, msg); err != nil {
				nErr := &NotificationError{Provider: p.Name(), Err: err}
				s.logger.Error("Notification failed", "provider", p.Name(), "subject", msg.Subject(), "error", err)
				mu.Lock()
				errs = append(errs, nErr)
				mu.Unlock()
				return
			}
			s.logger.Debug("Notification sent", "provider", p.Name(), "duration_ms", time.Since(start).Milliseconds())
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Sender) dispatch(ctx context.Context, msg Message) {
	_ = s.Send(ctx, msg)
}

// Health reports whether any provider is configured.
func (s *Sender) Health() otp.ComponentHealth {
	if len(s.providers) == 0 {
		return otp.ComponentHealth{Status: otp.Unhealthy, Detail: "no notification providers"}
	}
	return otp.ComponentHealth{Status: otp.Healthy, Detail: fmt.Sprintf("%d providers", len(s.providers))}
}
