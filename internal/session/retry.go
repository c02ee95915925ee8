package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-recorder/internal/platform"
)

// RetryConfig controls OpenWithRetry backoff.
type RetryConfig struct {
	MaxRetries    int           // attempts after the first one (default: 5)
	RetryDelay    time.Duration // initial delay (default: 1 second)
	MaxRetryDelay time.Duration // delay cap (default: 30 seconds)
}

// DefaultRetryConfig returns the default open retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Opener is the part of the controller OpenWithRetry drives.
type Opener interface {
	OpenDevice(ctx context.Context, deviceID string, preview platform.Surface) error
}

// OpenWithRetry opens deviceID, retrying with exponential backoff while the
// device is missing or fails to configure (for instance a camera that is
// still enumerating at boot). It returns the number of failed attempts.
func OpenWithRetry(
	ctx context.Context,
	c Opener,
	deviceID string,
	preview platform.Surface,
	cfg RetryConfig,
	logger *slog.Logger,
) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return failures, ctx.Err()
		default:
		}

		err := c.OpenDevice(ctx, deviceID, preview)
		if err == nil {
			if failures > 0 {
				logger.Info("session: device opened after retries", "device", deviceID, "failures", failures)
			}
			return failures, nil
		}
		if ctx.Err() != nil {
			return failures, ctx.Err()
		}

		failures++
		logger.Error("session: open attempt failed", "device", deviceID, "attempt", failures, "error", err)

		if failures > cfg.MaxRetries {
			return failures, fmt.Errorf("session: open %s: max retries exceeded (%d attempts): %w", deviceID, cfg.MaxRetries, err)
		}

		delay := backoff(failures, cfg)
		logger.Warn("session: retrying open",
			"device", deviceID,
			"attempt", failures,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return failures, ctx.Err()
		}
	}
}

// backoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func backoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
