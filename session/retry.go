package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Policy bounds login retries. Delays grow exponentially from BaseDelay,
// doubling per attempt, and never exceed MaxDelay (plus up to Jitter).
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
	Attempts  uint
}

// DefaultPolicy is three attempts waiting 4s then 8s.
var DefaultPolicy = Policy{
	Attempts:  3,
	BaseDelay: 4 * time.Second,
	MaxDelay:  10 * time.Second,
	Jitter:    250 * time.Millisecond,
}

// Backoff returns the nominal delay after the nth failed attempt (0-based).
func (p Policy) Backoff(n uint) time.Duration {
	if n > 30 {
		n = 30
	}
	d := p.BaseDelay << n
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// retryLogin runs op up to p.Attempts times with exponential backoff. op
// receives the 1-based attempt number. A non-nil result means every attempt
// failed or ctx ended first.
func retryLogin(ctx context.Context, p Policy, logger *slog.Logger, op func(attempt uint) error) error {
	var attempt uint
	jitter := p.Jitter
	if jitter <= 0 {
		jitter = time.Millisecond
	}
	return retry.Do(
		func() error {
			attempt++
			return op(attempt)
		},
		retry.Attempts(p.Attempts),
		retry.Delay(p.BaseDelay),
		retry.MaxDelay(p.MaxDelay),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if n+1 < p.Attempts {
				logger.Warn("Login attempt failed, retrying", "attempt", n+1, "max_attempts", p.Attempts, "next_delay", p.Backoff(n), "error", err)
			}
		}),
	)
}
