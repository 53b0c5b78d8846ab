package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures Retrier backoff
type RetryConfig struct {
	MaxRetries   int              // Attempts after the first one
	InitialDelay time.Duration    // Delay before the first retry
	MaxDelay     time.Duration    // Upper bound of any delay
	Multiplier   float64          // Backoff multiplier
	Jitter       float64          // Jitter factor (0-1)
	Retryable    func(error) bool // Errors worth another attempt
}

// DefaultRetryConfig retries ErrFull with a short exponential backoff
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   20,
		InitialDelay: time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.1,
		Retryable: func(err error) bool {
			// Only a full endpoint can drain; anything else fails again
			return errors.Is(err, ErrFull)
		},
	}
}

// Retrier runs an operation until it succeeds, fails with a non-retryable
// error, runs out of attempts or the context is cancelled. It is used by
// callers that write to an endpoint directly, without a Channel.
type Retrier struct {
	config RetryConfig
	mu     sync.Mutex
	rand   *rand.Rand
}

// NewRetrier creates a Retrier
func NewRetrier(config RetryConfig) *Retrier {
	if config.Retryable == nil {
		config.Retryable = DefaultRetryConfig().Retryable
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Retrier{
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs operation with retries
func (r *Retrier) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		// Execute the operation
		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// Non-retryable errors are returned unwrapped
		if !r.config.Retryable(err) {
			return err
		}
		// No wait after the last attempt
		if attempt == r.config.MaxRetries {
			break
		}

		// Wait for the backoff or give up on cancellation
		timer := time.NewTimer(r.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
			// Next attempt
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// delay returns the backoff before retry number attempt+1
func (r *Retrier) delay(attempt int) time.Duration {
	// Exponential backoff
	base := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt))

	// Cap at max delay
	if base > float64(r.config.MaxDelay) {
		base = float64(r.config.MaxDelay)
	}

	// Add or subtract up to Jitter of the base
	r.mu.Lock()
	jitter := (r.rand.Float64()*2 - 1) * r.config.Jitter * base
	r.mu.Unlock()

	return time.Duration(base + jitter)
}
