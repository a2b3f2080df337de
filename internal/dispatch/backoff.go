package dispatch

import (
	"math/rand/v2"
	"time"
)

// BackoffStrategy yields the wait before retrying a failed attempt.
// Attempt numbering starts at zero.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

type exponentialJitter struct {
	base    time.Duration
	ceiling time.Duration
}

// ExponentialWithJitter doubles the base delay per attempt up to a
// ceiling, then randomizes within [delay/2, delay) so retrying workers
// do not thunder in step.
func ExponentialWithJitter(base time.Duration, ceiling time.Duration) BackoffStrategy {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return &exponentialJitter{base: base, ceiling: ceiling}
}

func (strategy *exponentialJitter) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := strategy.base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= strategy.ceiling {
			delay = strategy.ceiling
			break
		}
	}
	half := delay / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
