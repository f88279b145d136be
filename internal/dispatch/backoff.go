package dispatch

import "time"

// Backoff returns the delay before retry number attempt+1, where attempt is
// the number of attempts already made: min(base * 2^attempt, ceiling).
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
		// overflow guard when no ceiling is set
		if d > time.Duration(1)<<61 {
			return d
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
