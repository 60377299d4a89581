package relay

import (
	"math"
	"time"
)

// Backoff computes the delay before the next attempt of a nonce using
// exponential growth capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff matches the retry characteristics used for chain RPC
// failures elsewhere in the ecosystem: 1s doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 1 * time.Second,
		Max:     30 * time.Second,
		Factor:  2.0,
	}
}

// Delay returns the wait after the given number of completed attempts.
// Zero attempts means the first try, which waits nothing.
func (b Backoff) Delay(attempts uint) time.Duration {
	if attempts == 0 || b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.Initial) * math.Pow(factor, float64(attempts-1))
	if delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
