// Package connwatch retries broker connection attempts with exponential
// backoff. It backs the opt-in reconnect policy of the session: by
// default the agents make exactly one attempt and fail fast.
//
// A schedule with the defaults below waits 2s, 4s, 8s, 16s, 32s and then
// 60s between attempts until MaxRetries attempts have been made.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRetriesExhausted wraps the last attempt's error once every attempt
// allowed by [BackoffConfig.MaxRetries] has failed.
var ErrRetriesExhausted = errors.New("connection retries exhausted")

// ProbeFunc makes one connection attempt. Return nil on success.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the total number of attempts, including the first
	// (default: 10). One means no retry.
	MaxRetries int

	// ProbeTimeout limits how long each individual attempt may take (default: 30s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the reconnect schedule used when the
// policy is enabled without explicit tuning.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		ProbeTimeout: 30 * time.Second,
	}
}

// FailFast returns a schedule that makes a single attempt.
func FailFast(probeTimeout time.Duration) BackoffConfig {
	cfg := DefaultBackoffConfig()
	cfg.MaxRetries = 1
	if probeTimeout > 0 {
		cfg.ProbeTimeout = probeTimeout
	}
	return cfg
}

// withDefaults replaces zero-value fields with the defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	defaults := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaults.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaults.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	return c
}

// Delay returns the wait before retry n (1-based): InitialDelay grown
// by Multiplier n-1 times, capped at MaxDelay.
func (c BackoffConfig) Delay(n int) time.Duration {
	c = c.withDefaults()
	delay := c.InitialDelay
	for i := 1; i < n; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// Retry calls probe until it succeeds, the schedule is exhausted, or
// ctx is cancelled. name identifies the target in log lines. A
// cancelled ctx returns ctx.Err(); exhaustion returns an error wrapping
// both [ErrRetriesExhausted] and the last probe error.
func Retry(ctx context.Context, name string, cfg BackoffConfig, probe ProbeFunc, logger *slog.Logger) error {
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	var err error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err = attemptOnce(ctx, cfg.ProbeTimeout, probe)
		if err == nil {
			if attempt > 1 {
				logger.Info("connection established after retries",
					"target", name,
					"attempts", attempt,
				)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		logger.Warn("connection attempt failed, retrying",
			"target", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}

	if cfg.MaxRetries == 1 {
		return err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, cfg.MaxRetries, err)
}

// attemptOnce calls probe with a per-attempt timeout.
func attemptOnce(ctx context.Context, timeout time.Duration, probe ProbeFunc) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return probe(attemptCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
