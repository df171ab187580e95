// Package health tracks monitor counters and turns them into a health verdict.
package health

import (
	"sync"
	"time"
)

// Counters is a copy of the tracked values.
type Counters struct {
	LastLoginAttempt    time.Time
	LastSuccessfulFetch time.Time
	LastError           string
	LoginAttempts       int
	SuccessfulFetches   int
	FailedFetches       int
	ConsecutiveFailures int
}

// Tracker accumulates login and fetch outcomes. It is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex
	c  Counters
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// LoginAttempted counts one login attempt.
func (t *Tracker) LoginAttempted(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.LoginAttempts++
	t.c.LastLoginAttempt = at
}

// FetchSucceeded counts a successful poll cycle and resets the failure streak.
func (t *Tracker) FetchSucceeded(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.SuccessfulFetches++
	t.c.LastSuccessfulFetch = at
	t.c.ConsecutiveFailures = 0
}

// FetchFailed counts a failed poll cycle and returns the current failure streak.
func (t *Tracker) FetchFailed(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.FailedFetches++
	t.c.ConsecutiveFailures++
	if err != nil {
		t.c.LastError = err.Error()
	}
	return t.c.ConsecutiveFailures
}

// RecordError stores err as the last error without touching the counters.
func (t *Tracker) RecordError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.LastError = err.Error()
}

// Snapshot returns a copy of the counters.
func (t *Tracker) Snapshot() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}
