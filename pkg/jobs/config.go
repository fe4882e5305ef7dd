package jobs

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

// Config tunes polling and retry behaviour.
type Config struct {
	PollInterval   time.Duration
	PollJitter     float64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffJitter  float64
	MaxRetries     int
	LocalWorkers   int64
	CancelTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   10 * time.Second,
		PollJitter:     0.2,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     8 * time.Minute,
		BackoffJitter:  0.25,
		MaxRetries:     3,
		LocalWorkers:   2,
		CancelTimeout:  15 * time.Second,
	}
}

func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = c.BackoffJitter
	b.Reset()

	return b
}

func (c Config) pollWait() time.Duration {
	return jitter(c.PollInterval, c.PollJitter)
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}

	delta := factor * (2*rand.Float64() - 1)

	return time.Duration(float64(d) * (1 + delta))
}

// Sleeper pauses for d. It returns nil early when wake fires and ctx.Err()
// once ctx is done.
type Sleeper func(ctx context.Context, d time.Duration, wake <-chan struct{}) error

// ClockSleeper sleeps on clock.
func ClockSleeper(clock clockwork.Clock) Sleeper {
	return func(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
		if d <= 0 {
			return ctx.Err()
		}

		timer := clock.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.Chan():
			return nil
		case <-wake:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
