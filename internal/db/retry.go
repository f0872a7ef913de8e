package db

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Maximum retry interval (cap for exponential backoff)
	Multiplier      float64       // Backoff multiplier
	Jitter          bool          // Spread retries of workers started together
}

// DefaultRetryConfig returns the defaults used for store connections at startup.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// nextBackoff grows the interval, caps it and applies +/-10% jitter.
func (c RetryConfig) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.Multiplier)
	if next > c.MaxInterval {
		next = c.MaxInterval
	}
	if c.Jitter && next > 0 {
		spread := float64(next) * 0.1
		next += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return next
}

// ConnectWithRetry calls connect until it succeeds, returns a non-retryable
// error, exhausts its attempts or ctx ends. name only labels log lines.
func ConnectWithRetry[T any](ctx context.Context, cfg RetryConfig, name string, connect func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	backoff := cfg.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		conn, err := connect(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("target", name).
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Connection established after retries")
			}
			return conn, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			log.Error().
				Err(err).
				Str("target", name).
				Int("attempt", attempt).
				Msg("Connection failed with non-retryable error")
			return zero, fmt.Errorf("%s connection failed: %w", name, err)
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Str("target", name).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Connection failed, retrying")

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s connection retry cancelled: %w", name, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = cfg.nextBackoff(backoff)
	}

	log.Error().
		Err(lastErr).
		Str("target", name).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Connection failed after all retry attempts")

	return zero, fmt.Errorf("failed to connect to %s after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
}
