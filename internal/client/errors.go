package client

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUpdateRequired is returned when the server refuses this client
	// release. The process must exit so its supervisor can restart it
	// into an upgraded version.
	ErrUpdateRequired = errors.New("client update required")
)

// upgradeSentence is the server's hint, verbatim, that the running
// release is too old to keep working.
const upgradeSentence = "Please restart fishnet to upgrade."

// TransientError wraps failures that are worth retrying after a backoff:
// network errors, server errors, rate limits and bodies that cannot be
// decoded. Status is zero when the request never completed.
type TransientError struct {
	Op         string
	Status     int
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// CredentialsError means the server rejected the configured key. Retrying
// cannot help until the configuration changes.
type CredentialsError struct {
	Status int
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("key rejected by server (HTTP %d)", e.Status)
}

// IsTransient reports whether err should be retried after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter returns the extra delay requested by the server, zero if
// none.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
