package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reopening
type ReconnectConfig struct {
	MaxRetries    int           // Maximum reopen attempts, 0 retries forever
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration.
// A fire-seeking robot keeps trying to see for as long as it runs.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    0,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ReconnectState counts reopen attempts
type ReconnectState struct {
	CurrentRetries int
	Reconnects     atomic.Uint32 // Total reopen attempts across the process lifetime
}

// ConnectFunc opens (or reopens) a source
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect calls connectFn until it succeeds, sleeping
// RetryDelay*2^(n-1) (capped at MaxRetryDelay) after the n-th failure.
// It gives up once MaxRetries is exceeded or ctx is done.
func RunWithReconnect(
	ctx context.Context,
	connectFn ConnectFunc,
	cfg ReconnectConfig,
	state *ReconnectState,
	logger *slog.Logger,
) error {
	for ctx.Err() == nil {
		err := connectFn(ctx)
		if err == nil {
			state.CurrentRetries = 0
			return nil
		}

		state.CurrentRetries++
		state.Reconnects.Add(1)

		if cfg.MaxRetries > 0 && state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("capture: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)

		logger.Warn("capture: reopen failed, retrying",
			"error", err,
			"category", Classify(err).String(),
			"attempt", state.CurrentRetries,
			"delay", delay,
		)

		if !sleep(ctx, delay) {
			break
		}
	}
	return ctx.Err()
}

func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Past 2^30 the multiplication overflows; the cap applies long before that
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}

	return delay
}
