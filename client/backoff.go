package client

import (
	"math"
	"time"
)

// backoffDelay computes the reconnect delay for the given attempt number
// (1-based): base * growth^attempt, capped.
func backoffDelay(attempt int, base time.Duration, growth float64, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(growth, float64(attempt)))
	if d > limit || d <= 0 {
		return limit
	}
	return d
}
