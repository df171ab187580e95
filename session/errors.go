package session

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned by Fetch when no validated session exists.
var ErrNotAuthenticated = errors.New("session not authenticated")

// Stage identifies where authentication broke down.
type Stage string

// Authentication stages.
const (
	StageOpen     Stage = "open"
	StageLogin    Stage = "login"
	StageNavigate Stage = "navigate"
)

// AuthError reports that no authenticated session could be established.
// It is recoverable: callers skip the current cycle and try again later.
type AuthError struct {
	Err      error
	Stage    Stage
	Message  string // Diagnostic from the provider, if any
	Attempts int
}

func (e *AuthError) Error() string {
	switch e.Stage {
	case StageOpen:
		return fmt.Sprintf("open session: %v", e.Err)
	case StageNavigate:
		return "navigation failed: " + e.Message
	default:
		if e.Err != nil && e.Message == "" {
			return fmt.Sprintf("login failed after %d attempts: %v", e.Attempts, e.Err)
		}
		return fmt.Sprintf("login failed after %d attempts: %s", e.Attempts, e.Message)
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError checks if an error is an authentication failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// FetchError reports a transient failure reading entries from the portal.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch entries: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError checks if an error is a fetch failure.
func IsFetchError(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}
