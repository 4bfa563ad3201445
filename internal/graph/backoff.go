package graph

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff returns the delay to wait before the given attempt number (1 =
// first retry, i.e. the second overall attempt). None always returns zero;
// Fixed always returns Delay; Exponential uses cenkalti/backoff's
// exponential curve capped at Cap with optional full jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	switch p.Kind {
	case RetryFixed:
		return p.Delay
	case RetryExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Base
		eb.MaxInterval = p.Cap
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.Reset()

		var d time.Duration
		for i := 0; i < attempt; i++ {
			d = eb.NextBackOff()
		}
		if p.Jitter {
			d = time.Duration(rand.Int63n(int64(d) + 1))
		}
		return d
	default: // RetryNone
		return 0
	}
}
