package health

import (
	"errors"
	"testing"
	"time"

	"otp-notifier/pkg/otp"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Second

	tests := []struct {
		name        string
		in          Input
		want        otp.HealthStatus
		wantWarning bool
	}{
		{
			name: "not running is unhealthy regardless of other fields",
			in: Input{
				Now:          now,
				State:        otp.Authenticated,
				PollInterval: interval,
				Counters:     Counters{LastSuccessfulFetch: now},
				Components:   map[string]otp.ComponentHealth{"storage": {Status: otp.Healthy}},
			},
			want:        otp.Unhealthy,
			wantWarning: true,
		},
		{
			name: "running and fresh is healthy",
			in: Input{
				Now:          now,
				Running:      true,
				State:        otp.Authenticated,
				PollInterval: interval,
				Counters:     Counters{LastSuccessfulFetch: now.Add(-30 * time.Second), LoginAttempts: 1},
			},
			want: otp.Healthy,
		},
		{
			name: "exactly five intervals is still healthy",
			in: Input{
				Now:          now,
				Running:      true,
				State:        otp.Authenticated,
				PollInterval: interval,
				Counters:     Counters{LastSuccessfulFetch: now.Add(-5 * interval), LoginAttempts: 1},
			},
			want: otp.Healthy,
		},
		{
			name: "past five intervals is stale",
			in: Input{
				Now:          now,
				Running:      true,
				State:        otp.Authenticated,
				PollInterval: interval,
				Counters:     Counters{LastSuccessfulFetch: now.Add(-5*interval - time.Second), LoginAttempts: 1},
			},
			want:        otp.Stale,
			wantWarning: true,
		},
		{
			name: "no fetch yet uses start time",
			in: Input{
				Now:          now,
				StartedAt:    now.Add(-10 * time.Minute),
				Running:      true,
				State:        otp.Authenticated,
				PollInterval: interval,
				Counters:     Counters{LoginAttempts: 1},
			},
			want:        otp.Stale,
			wantWarning: true,
		},
		{
			name: "failed login makes auth unhealthy",
			in: Input{
				Now:          now,
				Running:      true,
				State:        otp.LoggedOut,
				PollInterval: interval,
				Counters:     Counters{LoginAttempts: 3},
			},
			want:        otp.Unhealthy,
			wantWarning: true,
		},
		{
			name: "before first login is healthy",
			in: Input{
				Now:          now,
				StartedAt:    now,
				Running:      true,
				State:        otp.LoggedOut,
				PollInterval: interval,
			},
			want: otp.Healthy,
		},
		{
			name: "unhealthy storage component",
			in: Input{
				Now:          now,
				Running:      true,
				State:        otp.Authenticated,
				PollInterval: interval,
				Counters:     Counters{LastSuccessfulFetch: now, LoginAttempts: 1},
				Components:   map[string]otp.ComponentHealth{"storage": {Status: otp.Unhealthy, Detail: "disk I/O error"}},
			},
			want:        otp.Unhealthy,
			wantWarning: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.in)
			if got.Status != tt.want {
				t.Errorf("Evaluate() status = %q, want %q (warning %q)", got.Status, tt.want, got.Warning)
			}
			if (got.Warning != "") != tt.wantWarning {
				t.Errorf("Evaluate() warning = %q, want present = %v", got.Warning, tt.wantWarning)
			}
			if _, ok := got.Components["auth"]; !ok {
				t.Error("Evaluate() did not report an auth component")
			}
		})
	}
}

func TestTrackerConsecutiveFailures(t *testing.T) {
	tr := NewTracker()

	for i := 1; i <= 4; i++ {
		if got := tr.FetchFailed(errors.New("boom")); got != i {
			t.Errorf("FetchFailed() #%d = %d", i, got)
		}
	}
	tr.FetchSucceeded(time.Now())
	if got := tr.FetchFailed(errors.New("again")); got != 1 {
		t.Errorf("FetchFailed() after success = %d, want 1", got)
	}

	c := tr.Snapshot()
	if c.FailedFetches != 5 || c.SuccessfulFetches != 1 {
		t.Errorf("Snapshot() = %+v", c)
	}
	if c.LastError != "again" {
		t.Errorf("LastError = %q, want again", c.LastError)
	}
}

func TestTrackerLoginAttempts(t *testing.T) {
	tr := NewTracker()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tr.LoginAttempted(at)
	tr.LoginAttempted(at.Add(time.Second))
	tr.RecordError(nil)

	c := tr.Snapshot()
	if c.LoginAttempts != 2 {
		t.Errorf("LoginAttempts = %d, want 2", c.LoginAttempts)
	}
	if !c.LastLoginAttempt.Equal(at.Add(time.Second)) {
		t.Errorf("LastLoginAttempt = %v", c.LastLoginAttempt)
	}
	if c.LastError != "" {
		t.Errorf("RecordError(nil) set LastError = %q", c.LastError)
	}
}

func TestStatistics(t *testing.T) {
	c := Counters{LoginAttempts: 1, SuccessfulFetches: 7, FailedFetches: 2, LastError: "x"}
	s := Statistics(c, otp.Authenticated, 15*time.Second, true, true)
	if !s.LoggedIn || !s.Running || !s.DryRun {
		t.Errorf("Statistics() flags = %+v", s)
	}
	if s.SuccessfulFetches != 7 || s.FailedFetches != 2 || s.LoginAttempts != 1 {
		t.Errorf("Statistics() counters = %+v", s)
	}
}
