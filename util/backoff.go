package util

import (
	"math"
	"math/rand"
	"time"
)

// DefaultBackoff returns a delay with an exponential backoff based on the
// number of retries, with a 10% jitter and a growth factor of 2.
func DefaultBackoff(base, maxNS float64, retries int) time.Duration {
	return Backoff(base, maxNS, 0.1, 2, retries)
}

// Backoff returns a delay with an exponential backoff based on the number of
// retries. Same algorithm used in gRPC.
func Backoff(base, maxNS, jitter, factor float64, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	backoff, max := base, maxNS
	for backoff < max && retries > 0 {
		backoff *= factor
		retries--
	}
	if backoff > max {
		backoff = max
	}
	if jitter > 0 {
		delta := jitter * backoff
		min := backoff - delta
		max = backoff + delta
		backoff = min + (rand.Float64() * math.Abs(max-min))
	}
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}
