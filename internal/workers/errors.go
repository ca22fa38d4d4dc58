// Package workers contains the long-lived fleet: the shared run loop and the
// scanner, proxy, and analysis workers built on top of it. Asset ownership is
// the database lease; nothing here holds in-process locks across tasks.
package workers

import (
	"errors"
	"fmt"
)

// PermanentError marks a per-asset failure that retrying cannot fix, such as
// a video no decoder configuration can read. Workers route these straight to
// poisoned instead of burning retries.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// Permanent builds a PermanentError with a formatted reason.
func Permanent(format string, args ...interface{}) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryLimitSuffix is appended to a retryable failure message when the
// retry budget is already spent, so the poisoned row explains both what broke
// and why it will not be retried.
func RetryLimitSuffix(retryCount, limit int) string {
	return fmt.Sprintf("Retry limit exceeded (retry_count=%d > %d)", retryCount, limit)
}
