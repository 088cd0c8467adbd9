package harvest

import (
	"errors"
	"fmt"
)

// ErrNoAccountAvailable is returned when no account qualifies for selection.
// It is fatal to the job and is not retried by this core.
var ErrNoAccountAvailable = errors.New("no available account")

// AntiDetectionError reports a challenge or ban page detected during a fetch.
// It is fatal to the current job but does not by itself invalidate the account.
type AntiDetectionError struct {
	URL    string
	Reason string
}

func (e *AntiDetectionError) Error() string {
	return fmt.Sprintf("anti-detection triggered at %s: %s", e.URL, e.Reason)
}

// CookieError reports a malformed or rejected credential payload.
type CookieError struct {
	AccountID string
	Err       error
}

func (e *CookieError) Error() string {
	return fmt.Sprintf("cookie injection failed for account %s: %v", e.AccountID, e.Err)
}

func (e *CookieError) Unwrap() error { return e.Err }

// NavigationError reports a per-URL timeout or network failure. The job
// continues past it.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation failed for %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ParseError reports a per-snapshot extraction failure. The job continues
// past it.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed for %s: %s", e.URL, e.Reason)
}

// StorageError wraps persistence failures so the scheduler loop can log and
// keep polling instead of crashing.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
