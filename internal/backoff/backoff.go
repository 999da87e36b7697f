// Package backoff computes retry delays for failed push attempts.
package backoff

import (
	"math"
	"time"
)

// Strategy maps a retry count to a delay: delay(n) = min(Base^n, Max).
// It is a pure function of its inputs; no state, no jitter.
type Strategy struct {
	// Base is the exponent base in seconds. A base of 2 yields
	// 1s, 2s, 4s, 8s, ... for retry counts 0, 1, 2, 3.
	Base float64
	// Max caps the delay regardless of retry count.
	Max time.Duration
}

// Default mirrors the production configuration: doubling from one second,
// capped at one hour.
var Default = Strategy{Base: 2, Max: time.Hour}

// Delay returns the wait before the next attempt for the given retry count.
// It is monotonically non-decreasing in retryCount up to the cap.
func (s Strategy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	base := s.Base
	if base < 1 {
		base = 1
	}
	secs := math.Pow(base, float64(retryCount))
	if secs >= s.Max.Seconds() {
		return s.Max
	}
	d := time.Duration(secs * float64(time.Second))
	if d > s.Max {
		return s.Max
	}
	return d
}
