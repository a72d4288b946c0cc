package ratelimit

import (
	"errors"
	"fmt"
	"strings"
)

// ThrottleError marks an upstream response as a rate-limit rejection.
// The dispatch loop retries these with backoff; any other error is terminal.
type ThrottleError struct {
	Endpoint   string
	StatusCode int
	RetryAfter float64 // seconds, 0 if the upstream gave no hint
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("upstream throttled %s (status %d)", e.Endpoint, e.StatusCode)
}

// ExhaustedError is the terminal failure for a request whose retry budget ran
// out while the upstream kept throttling. Callers can detect it with
// errors.As and degrade (serve stale cache) instead of failing the
// user-facing request.
type ExhaustedError struct {
	Endpoint string
	Retries  int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate limited, retries exhausted after %d attempts: %s", e.Retries, e.Endpoint)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsThrottle reports whether err carries a rate-limit signature: a typed
// ThrottleError, an HTTP 429 status, or upstream bodies that say so in text
// (the FPL API intermittently returns plain-text throttle pages).
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	var te *ThrottleError
	if errors.As(err, &te) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(strings.ToLower(msg), "too many requests") ||
		strings.Contains(strings.ToLower(msg), "rate limit")
}

// IsExhausted reports whether err is a retries-exhausted terminal failure.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
