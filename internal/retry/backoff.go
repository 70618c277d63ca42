// Package retry provides bounded retry and polling logic for remote operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned by Poll when the attempt budget is exhausted
// before the polled condition is reached.
var ErrPollTimeout = errors.New("timed out waiting for condition")

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration
}

// PollConfig builds a Config that polls every interval until timeout has elapsed.
func PollConfig(interval, timeout time.Duration) Config {
	if interval <= 0 {
		interval = time.Second
	}
	attempts := 1
	if timeout > 0 {
		attempts = int(timeout/interval) + 1
	}
	return Config{
		MaxAttempts: attempts,
		Delays:      []time.Duration{interval},
	}
}

// WithRetry executes fn with exponential backoff retry logic.
// It will attempt the function up to MaxAttempts times, with delays between attempts.
// If MaxAttempts is exceeded, the last error is returned wrapped with context.
func WithRetry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, cfg.delay(attempt)); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Poll calls fn until it reports done, returns an error, the attempts run
// out or ctx ends. An error from fn is returned unchanged and never retried.
func Poll(ctx context.Context, cfg Config, fn func(ctx context.Context) (bool, error)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, cfg.delay(attempt)); err != nil {
				return err
			}
		}

		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrPollTimeout, cfg.MaxAttempts)
}

// delay returns the wait before the given attempt, reusing the last delay
// once the schedule runs out.
func (cfg Config) delay(attempt int) time.Duration {
	if len(cfg.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(cfg.Delays) {
		idx = len(cfg.Delays) - 1
	}
	return cfg.Delays[idx]
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	}
}
