// Package otp contains the core domain types for the OTP notification service.
package otp

import (
	"strings"
	"time"
)

// Entry is a raw message row as read from the SMS portal.
type Entry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"` // Portal-reported, not parsed
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Service   string `json:"service,omitempty"`
}

// EntryID derives the identifier the portal rows are keyed by.
// Two messages from the same sender in the same second collide; that is accepted.
func EntryID(timestamp, sender string) string {
	return strings.ReplaceAll(timestamp+"_"+sender, " ", "_")
}

// Record is a captured message as persisted in the entry table.
type Record struct {
	IngestedAt time.Time  `json:"ingested_at"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"` // Nil until dispatched
	ID         string     `json:"id"`
	Timestamp  string     `json:"timestamp"`
	Sender     string     `json:"sender"`
	Body       string     `json:"body"`
	Service    string     `json:"service,omitempty"`
}

// NewRecord builds a record for an entry first observed at ingestedAt.
func NewRecord(e Entry, ingestedAt time.Time) *Record {
	return &Record{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Sender:     e.Sender,
		Body:       e.Body,
		Service:    e.Service,
		IngestedAt: ingestedAt,
	}
}

// SessionState is the lifecycle state of the portal session.
type SessionState int

// Session states.
const (
	LoggedOut SessionState = iota
	LoggingIn
	Authenticated
	Expired
)

func (s SessionState) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case LoggingIn:
		return "logging_in"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Statistics is a point-in-time copy of the monitor counters.
type Statistics struct {
	LastLoginAttempt    time.Time     `json:"last_login_attempt"`
	LastSuccessfulFetch time.Time     `json:"last_successful_fetch"`
	LastError           string        `json:"last_error,omitempty"`
	State               SessionState  `json:"state"`
	PollInterval        time.Duration `json:"poll_interval"`
	LoginAttempts       int           `json:"login_attempts"`
	SuccessfulFetches   int           `json:"successful_fetches"`
	FailedFetches       int           `json:"failed_fetches"`
	Running             bool          `json:"is_running"`
	LoggedIn            bool          `json:"is_logged_in"`
	DryRun              bool          `json:"dry_run"`
}

// HealthStatus is the overall verdict of a health check.
type HealthStatus string

// Health verdicts.
const (
	Healthy   HealthStatus = "healthy"
	Stale     HealthStatus = "stale"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the self-reported state of one dependency.
type ComponentHealth struct {
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// Health is the result of a health check.
type Health struct {
	CheckedAt           time.Time                  `json:"checked_at"`
	LastSuccessfulFetch time.Time                  `json:"last_successful_fetch"`
	Components          map[string]ComponentHealth `json:"components,omitempty"`
	Status              HealthStatus               `json:"status"`
	LastError           string                     `json:"last_error,omitempty"`
	Warning             string                     `json:"warning,omitempty"`
	Running             bool                       `json:"is_running"`
	Authenticated       bool                       `json:"is_logged_in"`
}

// StoreInfo describes the durable store.
type StoreInfo struct {
	Oldest     time.Time `json:"oldest_otp"`
	Newest     time.Time `json:"newest_otp"`
	Path       string    `json:"db_path"`
	SizeBytes  int64     `json:"db_size_bytes"`
	OTPCount   int       `json:"otp_count"`
	StateCount int       `json:"state_count"`
}
