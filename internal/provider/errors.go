package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthExpired reports a refresh token the provider no longer accepts. It is
// terminal for the connection: the user must re-authorize. Never retried.
var ErrAuthExpired = errors.New("provider rejected refresh token, re-authorization required")

// ErrProviderUnavailable reports a transient provider failure (network error
// or 5xx). Retryable with backoff.
var ErrProviderUnavailable = errors.New("provider temporarily unavailable")

// ErrSubscriptionNotFound reports a webhook subscription the provider no
// longer knows about. Callers recreate rather than fail.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found at provider")

// RateLimitedError reports a provider rate-limit response. The caller must
// back off for RetryAfter before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// RetryAfter extracts the backoff interval from a rate-limit error chain.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
