package util

import "time"

// Backoff returns the exponential delay for the given attempt (starting at
// 0), capped at max.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
