package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config describes an exponential backoff with jitter:
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) ± JitterFactor.
type Config struct {
	// MaxAttempts includes the first call. Zero or less means a single attempt.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64

	// RetryIf decides whether an error is worth another attempt. Nil retries every error.
	RetryIf func(error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	c.JitterFactor = min(max(c.JitterFactor, 0), 1)
}

// exponential builds the library policy. It never gives up on elapsed time; callers bound attempts.
func (c Config) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.JitterFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs operation until it succeeds, RetryIf rejects the error, attempts run out or ctx ends.
// The last operation error is returned, or ctx's error when the context ended first.
func Do(ctx context.Context, cfg Config, operation func(ctx context.Context) error) error {
	cfg.normalize()
	if err := ctx.Err(); err != nil {
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(cfg.exponential(), uint64(cfg.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() error {
		err := operation(ctx)
		if err != nil && cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		attempt++
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
	}
	return backoff.RetryNotify(op, policy, notify)
}

// Backoff hands out growing delays for a loop that retries on its own schedule.
type Backoff struct {
	policy  *backoff.ExponentialBackOff
	attempt int
}

// NewBackoff builds a Backoff from cfg; MaxAttempts is ignored.
func NewBackoff(cfg Config) *Backoff {
	cfg.normalize()
	return &Backoff{policy: cfg.exponential()}
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.policy.NextBackOff()
}

// Attempts reports how many delays were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset starts over from InitialDelay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.policy.Reset()
}
