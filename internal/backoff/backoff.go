// Package backoff holds the delay curves used when rescheduling a
// notification after a recoverable failure.
package backoff

import "time"

// Default returns the delay before the given attempt number becomes eligible
// again: base * 2^(attempt-1), capped. Monotonically non-decreasing in the
// attempt number and bounded by cap.
func Default(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}

	if delay > cap {
		return cap
	}
	return delay
}
