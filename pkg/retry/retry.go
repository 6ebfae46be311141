// Package retry provides exponential backoff with jitter for transient
// failures. The connection manager uses the stepwise Backoff type between
// reconnect attempts; Do wraps one-shot operations such as store access.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration.
type Config struct {
	MaxAttempts  int           // Total attempts; 0 means run once
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound for the backoff delay
	Multiplier   float64       // Backoff multiplier, typically 2.0
	AddJitter    bool          // Add up to 25% randomness per delay
}

// DefaultConfig returns sensible defaults for one-shot retried operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
}

// jitter returns d plus up to 25% random noise.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	randMu.Lock()
	n := randSource.Int63n(int64(d / 4))
	randMu.Unlock()
	return d + time.Duration(n)
}

// Backoff produces an exponentially growing sequence of delays, capped at
// MaxDelay. It is not safe for concurrent use; each supervision unit owns one.
type Backoff struct {
	cfg     Config
	attempt int
	current time.Duration
}

// NewBackoff creates a Backoff for the given config.
func NewBackoff(cfg Config) *Backoff {
	cfg.normalize()
	return &Backoff{cfg: cfg, current: cfg.InitialDelay}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.attempt++

	next := float64(b.current) * b.cfg.Multiplier
	if next > float64(b.cfg.MaxDelay) {
		b.current = b.cfg.MaxDelay
	} else {
		b.current = time.Duration(next)
	}

	if b.cfg.AddJitter {
		return jitter(d)
	}
	return d
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Exhausted reports whether the attempt budget has been spent.
func (b *Backoff) Exhausted() bool {
	return b.attempt >= b.cfg.MaxAttempts
}

// Reset restarts the sequence, used after a successful reconnect.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.current = b.cfg.InitialDelay
}

// Sleep waits for the next backoff delay or until ctx is cancelled.
func (b *Backoff) Sleep(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes fn with exponential backoff retry until it succeeds, returns a
// non-retryable error, exhausts the attempt budget, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg.normalize()
	backoff := NewBackoff(cfg)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if err := backoff.Sleep(ctx); err != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, err)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
