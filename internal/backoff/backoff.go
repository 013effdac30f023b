// Package backoff computes exponential backoff with jitter for the feed
// resubscription loop.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	Initial time.Duration // delay before the first retry
	Max     time.Duration // cap applied after growth
	Factor  float64       // exponential factor per attempt
	Jitter  float64       // randomization fraction (0.0 to 1.0)
}

// DefaultPolicy suits feed reconnects: 500ms start, 30s cap, doubling,
// 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay calculates the backoff duration for a given attempt number.
// Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

// delayWithRand takes the random value as a parameter so tests can be
// deterministic.
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}
