// Package clock provides an injectable time source so loops that sleep can be
// driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake() and advance time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	m := poll.New(&poll.Config{Clock: c, ...})
//	c.WaitForTimers(1)        // loop is now sleeping
//	c.Advance(15 * time.Second) // wake it
package clock

import "time"

// Clock abstracts the time operations used by the service.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	// If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
