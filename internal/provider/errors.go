package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCursorInvalid means the stored sync cursor is stale and the caller
	// must fall back to a single windowed full sync.
	ErrCursorInvalid = errors.New("sync cursor no longer valid")

	// ErrAuth means the access token was rejected and a refresh (or user
	// re-authorization) is required.
	ErrAuth = errors.New("provider rejected credentials")

	// ErrNotFound means the calendar or event no longer exists remotely.
	ErrNotFound = errors.New("remote resource not found")

	// ErrWatchUnsupported means the provider has no push channel for this
	// resource and the caller should rely on polling.
	ErrWatchUnsupported = errors.New("push notifications not supported")

	// ErrReadOnly means the calendar does not accept local writes.
	ErrReadOnly = errors.New("calendar is read-only")
)

// RateLimitError reports provider throttling with the server-suggested
// backoff, when one was given.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRateLimited reports whether err carries a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
