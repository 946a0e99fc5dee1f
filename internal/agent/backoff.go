// ABOUTME: Exponential backoff with jitter for agent reconnection attempts.
// ABOUTME: Doubles from the base delay up to the cap, then adds a random jitter fraction.

package agent

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before reconnect attempt n (0-based).
// The delay doubles from base up to max; jitter adds up to jitter*delay of
// random spread so a fleet of agents lost at once does not redial in
// lock-step.
func backoffDelay(base, max time.Duration, jitter float64, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	if jitter > 0 {
		spread := time.Duration(float64(d) * jitter)
		if spread > 0 {
			d += time.Duration(rand.Int63n(int64(spread)))
		}
	}
	return d
}
