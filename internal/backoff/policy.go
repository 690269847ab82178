// Package backoff provides randomized exponential backoff for retrying
// transient completion-endpoint failures.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff for the first retry.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential growth applied per attempt.
	Factor float64
	// Jitter is the randomization share (0.0 to 1.0) added to the base.
	Jitter float64
	// MaxAttempts bounds the total number of attempts.
	MaxAttempts int
}

// DefaultPolicy matches the completion client's retry contract: 1 s initial,
// 60 s cap, doubling with full jitter, up to 6 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         60 * time.Second,
		Factor:      2,
		Jitter:      1.0,
		MaxAttempts: 6,
	}
}

// Delay computes the backoff before attempt+1. Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// delayWithRand computes the backoff using the provided random value in
// [0.0, 1.0), which lets tests pin the jitter.
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jittered := base + base*p.Jitter*randomValue
	return time.Duration(math.Min(float64(p.Max), jittered))
}
