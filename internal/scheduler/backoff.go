package scheduler

import (
	"math/rand/v2"
	"time"
)

// backoff computes the retry delay for the given zero-based attempt:
// base * 2^attempt plus up to one base of jitter, capped at max. Jitter
// keeps a burst of failed tasks from thundering back in lockstep.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			d = max
			break
		}
	}
	d += time.Duration(rand.Int64N(int64(base)))
	if max > 0 && d > max {
		d = max
	}
	return d
}
