package pending

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry schedule for pending operations.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy retries five times: after 5s, 10s, 20s and 40s.
var DefaultPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: 5 * time.Second,
	MaxInterval:     10 * time.Minute,
	Multiplier:      2,
}

// Delay returns the wait before the next try of an operation that has
// failed attempts times. There is no jitter, so the schedule is reproducible
// from number_of_attempts alone.
func (p Policy) Delay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
