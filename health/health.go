package health

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"otp-notifier/pkg/otp"
)

// StaleFactor is how many poll intervals may pass without a successful fetch
// before a running monitor is reported stale.
const StaleFactor = 5

// Input is everything Evaluate needs to reach a verdict.
type Input struct {
	Now          time.Time
	StartedAt    time.Time // Reference point until the first successful fetch
	Components   map[string]otp.ComponentHealth
	Counters     Counters
	State        otp.SessionState
	PollInterval time.Duration
	Running      bool
}

// AuthComponent derives the auth component report from the session state.
// A session that has never attempted login is not yet unhealthy.
func AuthComponent(state otp.SessionState, loginAttempts int) otp.ComponentHealth {
	if state == otp.Authenticated {
		return otp.ComponentHealth{Status: otp.Healthy, Detail: state.String()}
	}
	if loginAttempts > 0 {
		return otp.ComponentHealth{Status: otp.Unhealthy, Detail: state.String()}
	}
	return otp.ComponentHealth{Status: otp.Healthy, Detail: "no login attempted"}
}

// Evaluate derives the health verdict.
func Evaluate(in Input) otp.Health {
	h := otp.Health{
		CheckedAt:           in.Now,
		LastSuccessfulFetch: in.Counters.LastSuccessfulFetch,
		LastError:           in.Counters.LastError,
		Running:             in.Running,
		Authenticated:       in.State == otp.Authenticated,
		Components:          make(map[string]otp.ComponentHealth, len(in.Components)+1),
	}
	maps.Copy(h.Components, in.Components)
	if _, ok := h.Components["auth"]; !ok {
		h.Components["auth"] = AuthComponent(in.State, in.Counters.LoginAttempts)
	}

	if !in.Running {
		h.Status = otp.Unhealthy
		h.Warning = "monitor is not running"
		return h
	}

	if failing := unhealthyComponents(h.Components); len(failing) > 0 {
		h.Status = otp.Unhealthy
		h.Warning = "unhealthy components: " + strings.Join(failing, ", ")
		return h
	}

	if h.Authenticated && in.PollInterval > 0 {
		ref := in.Counters.LastSuccessfulFetch
		if ref.IsZero() {
			ref = in.StartedAt
		}
		if !ref.IsZero() {
			if since := in.Now.Sub(ref); since > StaleFactor*in.PollInterval {
				h.Status = otp.Stale
				h.Warning = fmt.Sprintf("no successful fetch in %s", since.Round(time.Second))
				return h
			}
		}
	}

	h.Status = otp.Healthy
	return h
}

func unhealthyComponents(components map[string]otp.ComponentHealth) []string {
	var names []string
	for name, c := range components {
		if c.Status == otp.Unhealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Statistics assembles the externally visible counters.
func Statistics(c Counters, state otp.SessionState, interval time.Duration, running, dryRun bool) otp.Statistics {
	return otp.Statistics{
		LoginAttempts:       c.LoginAttempts,
		SuccessfulFetches:   c.SuccessfulFetches,
		FailedFetches:       c.FailedFetches,
		LastError:           c.LastError,
		LastLoginAttempt:    c.LastLoginAttempt,
		LastSuccessfulFetch: c.LastSuccessfulFetch,
		State:               state,
		PollInterval:        interval,
		Running:             running,
		LoggedIn:            state == otp.Authenticated,
		DryRun:              dryRun,
	}
}
