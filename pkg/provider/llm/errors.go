package llm

import "errors"

// Sentinel errors used to classify provider failures for retry decisions.
// Adapters wrap the underlying SDK error with %w so callers can unwrap it.
var (
	// ErrRateLimited marks an HTTP 429. Retryable; the wrapped error may
	// carry a server-suggested retry-after via RetryAfter.
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrOverloaded marks a transient server-side failure (HTTP 5xx or
	// connection reset). Retryable with backoff.
	ErrOverloaded = errors.New("llm: provider overloaded")

	// ErrContextWindowExceeded marks a request that cannot fit the model's
	// context window. Never retried.
	ErrContextWindowExceeded = errors.New("llm: context window exceeded")

	// ErrRefusal marks a provider safety refusal. Never retried.
	ErrRefusal = errors.New("llm: refusal")
)

// RetryAfterError carries a server-suggested delay alongside a rate-limit
// error.
type RetryAfterError struct {
	Err     error
	Seconds int
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }

func (e *RetryAfterError) Unwrap() error { return e.Err }
