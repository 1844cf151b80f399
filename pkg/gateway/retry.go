package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry settings.
const (
	defaultMaxRetries        = 3
	defaultInitialDelay      = 1 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultBackoffMultiplier = 2.0
)

// RetryConfig configures exponential backoff. MaxRetries is the number of
// retries after the first attempt, so 0 means exactly one call.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	UseJitter         bool          `yaml:"use_jitter"`
}

// DefaultRetryConfig returns 3 retries starting at 1s, doubling, capped at
// 30s, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        defaultMaxRetries,
		InitialDelay:      defaultInitialDelay,
		MaxDelay:          defaultMaxDelay,
		BackoffMultiplier: defaultBackoffMultiplier,
		UseJitter:         true,
	}
}

// Validate checks the config for values the backoff curve cannot use.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	case c.InitialDelay < 0:
		return fmt.Errorf("initial_delay must be >= 0, got %s", c.InitialDelay)
	case c.MaxDelay < 0:
		return fmt.Errorf("max_delay must be >= 0, got %s", c.MaxDelay)
	case c.BackoffMultiplier < 1.0:
		return fmt.Errorf("backoff_multiplier must be >= 1.0, got %g", c.BackoffMultiplier)
	}
	return nil
}

// DelayForAttempt returns min(InitialDelay * BackoffMultiplier^attempt,
// MaxDelay). attempt is zero-based: 0 is the wait before the second call.
func DelayForAttempt(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// jitter spreads d uniformly over [0.75d, 1.25d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

// RetryResult is the outcome of WithRetry. Attempts is at least 1.
// TotalDelay sums the waits actually performed between attempts.
type RetryResult[T any] struct {
	Value      T
	Err        error
	Attempts   int
	TotalDelay time.Duration
}

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepWithContext waits for the given duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier runs actions under a RetryConfig.
type Retrier struct {
	cfg    RetryConfig
	sleep  Sleeper
	logger *slog.Logger
}

// NewRetrier creates a Retrier. A nil logger discards output.
func NewRetrier(cfg RetryConfig, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Retrier{cfg: cfg, sleep: sleepWithContext, logger: logger}
}

// WithSleeper replaces the wait function. Tests use it to observe delays
// without waiting.
func (r *Retrier) WithSleeper(s Sleeper) *Retrier {
	r.sleep = s
	return r
}

// Config returns the retry configuration.
func (r *Retrier) Config() RetryConfig { return r.cfg }

// Delay computes the wait before the next attempt after err on the given
// number of attempts made so far. A rate limit error carrying a Retry-After
// value overrides the backoff curve.
func (r *Retrier) Delay(err error, attempts int) time.Duration {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Kind == KindRateLimit && gwErr.RetryAfter != nil {
		return *gwErr.RetryAfter
	}
	d := DelayForAttempt(r.cfg, attempts-1)
	if r.cfg.UseJitter {
		d = jitter(d)
	}
	return d
}

// WithRetry calls action until it succeeds, fails with a non-retryable
// error, or MaxRetries retries are used up. A cancelled context stops the
// wait between attempts and is reported as the final error.
func WithRetry[T any](ctx context.Context, r *Retrier, action func(context.Context) (T, error)) RetryResult[T] {
	var res RetryResult[T]
	for {
		res.Attempts++
		v, err := action(ctx)
		if err == nil {
			res.Value = v
			res.Err = nil
			return res
		}
		res.Err = err

		if !IsRetryable(err) || res.Attempts > r.cfg.MaxRetries {
			return res
		}

		delay := r.Delay(err, res.Attempts)
		r.logger.Warn("retrying gateway request",
			"attempt", res.Attempts,
			"max_retries", r.cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			res.Err = contextError(serr)
			return res
		}
		res.TotalDelay += delay
	}
}

// Retry is WithRetry with a fresh Retrier that logs nothing.
func Retry[T any](ctx context.Context, cfg RetryConfig, action func(context.Context) (T, error)) RetryResult[T] {
	return WithRetry(ctx, NewRetrier(cfg, nil), action)
}

// contextError maps a context failure onto the error taxonomy.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("context deadline exceeded", err)
	}
	return NewNetworkError("context canceled", err)
}
