// Package retry implements exponential backoff with jitter. It is a
// caller-level policy: only side-effect-free operations (resolver calls) go
// through it; the dispatch loop never retries tracker mutations.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           `json:"max_retries"` // retry attempts after the first try
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"` // spread delays to avoid thundering herd
}

// Result describes what the retry loop did.
type Result struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
}

// DefaultConfig returns sensible defaults for short network operations.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// ResolverConfig returns a configuration tuned for LLM calls, which are slow
// and rate limited more aggressively than ordinary HTTP APIs.
func ResolverConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
	}
}

// WithBackoff executes op until it succeeds, the retry budget is exhausted,
// or ctx is cancelled. Non-retryable errors fail immediately.
func WithBackoff(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := op()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			return result
		}
		result.LastError = err

		if !IsRetryable(err) || attempt >= config.MaxRetries {
			result.TotalDuration = time.Since(start)
			return result
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-time.After(delayFor(config, attempt)):
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// delayFor computes the backoff delay for the given attempt.
func delayFor(config Config, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		// Up to 10% random jitter in either direction.
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryable reports whether an error is worth retrying. Transport-level
// failures and throttling are; everything else fails fast.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryable := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"quota",
		"429",
		"502",
		"503",
		"504",
		"no such host",
		"network unreachable",
		"broken pipe",
	}

	for _, candidate := range retryable {
		if strings.Contains(errStr, candidate) {
			return true
		}
	}
	return false
}
