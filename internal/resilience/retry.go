// Package resilience provides the retry policy for provider calls.
//
// The policy matches the upstream failure classes defined in
// pkg/provider/llm: transient failures and rate limits retry with
// exponential backoff (honouring a server-suggested retry-after), while
// context-window and refusal errors surface immediately.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openquill/quill/pkg/provider/llm"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 10 * time.Second
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of tries. Defaults to 3 if zero.
	MaxAttempts int

	// BaseBackoff is the first retry delay, doubling each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	BaseBackoff time.Duration

	// MaxBackoff caps the delay between attempts. Defaults to 10s if zero.
	MaxBackoff time.Duration

	// Logger receives one warning per failed attempt. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

func (c *RetryConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Retryable reports whether err is worth another attempt. Cancellation,
// context-window overflow, and refusals never retry.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, llm.ErrContextWindowExceeded), errors.Is(err, llm.ErrRefusal):
		return false
	}
	return true
}

// Retry runs op until it succeeds, exhausts the attempt budget, hits a
// non-retryable error, or ctx ends. The last error is returned unwrapped so
// callers can classify it.
func Retry(ctx context.Context, cfg RetryConfig, name string, op func(ctx context.Context) error) error {
	cfg.defaults()

	var err error
	backoff := cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt >= cfg.MaxAttempts {
			return err
		}

		delay := backoff
		// A server-suggested retry-after overrides the schedule.
		var ra *llm.RetryAfterError
		if errors.As(err, &ra) && ra.Seconds > 0 {
			delay = time.Duration(ra.Seconds) * time.Second
		}
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}

		cfg.Logger.Warn("operation failed, retrying",
			"op", name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		backoff *= 2
	}
}
