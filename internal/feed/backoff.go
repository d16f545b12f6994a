package feed

import "time"

// backoffDelay returns the wait before reconnect attempt n (1-based):
// base doubled per prior attempt, capped at ceiling.
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 {
			return ceiling
		}
	}
	return min(delay, ceiling)
}
