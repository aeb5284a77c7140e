// Package backoff provides exponential backoff with optional jitter and a
// context-aware retry helper.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls retry pacing. The zero value retries three times with
// 100ms initial delay capped at 5s, full jitter disabled.
type Policy struct {
	Initial  time.Duration // delay before the second attempt; default 100ms
	Max      time.Duration // upper bound on any delay; default 5s
	Attempts int           // total attempts including the first; default 3
	Jitter   bool          // randomize each delay in [0, computed]
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Attempts < 1 {
		p.Attempts = 3
	}
	return p
}

// Delay computes the wait after the given 1-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(2, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// Retry runs fn up to p.Attempts times, sleeping Delay(n) between attempts.
// It returns nil on the first success, the last error otherwise, and stops
// early when ctx is cancelled.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == p.Attempts {
			break
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
