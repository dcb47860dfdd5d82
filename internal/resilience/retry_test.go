package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openquill/quill/pkg/provider/llm"
)

// fastCfg keeps test delays negligible.
var fastCfg = RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), fastCfg, "stream", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("wrapped: %w", llm.ErrOverloaded)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got, want := calls, 3; got != want {
		t.Errorf("calls = %d, want %d", got, want)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), fastCfg, "stream", func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if got, want := calls, 3; got != want {
		t.Errorf("calls = %d, want %d", got, want)
	}
}

func TestRetry_NeverRetriesTerminalErrors(t *testing.T) {
	t.Parallel()
	terminal := []error{
		llm.ErrContextWindowExceeded,
		llm.ErrRefusal,
		context.Canceled,
	}
	for _, want := range terminal {
		calls := 0
		err := Retry(context.Background(), fastCfg, "stream", func(ctx context.Context) error {
			calls++
			return want
		})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if calls != 1 {
			t.Errorf("calls for %v = %d, want 1 (no retry)", want, calls)
		}
	}
}

func TestRetry_HonoursRetryAfter(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	rateLimited := &llm.RetryAfterError{
		Err:     fmt.Errorf("%w: slow down", llm.ErrRateLimited),
		Seconds: 0, // a real header would be seconds; zero keeps the test fast
	}
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), cfg, "stream", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return rateLimited
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("elapsed = %v, suggests retry-after was misapplied", elapsed)
	}
}

func TestRetry_StopsWhenContextEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{MaxAttempts: 5, BaseBackoff: time.Hour}
	errCh := make(chan error, 1)
	go func() {
		errCh <- Retry(ctx, cfg, "stream", func(ctx context.Context) error {
			calls++
			return llm.ErrOverloaded
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not stop on context cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
