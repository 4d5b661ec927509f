package bulk

import (
	"context"

	"golang.org/x/time/rate"
)

// limiter throttles outgoing bulk requests with a token bucket.
// A nil inner limiter means no throttle is configured.
type limiter struct {
	lim *rate.Limiter
}

func newLimiter(rps float64) *limiter {
	if rps <= 0 {
		return &limiter{}
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &limiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// wait blocks until a request token is available or ctx expires.
func (l *limiter) wait(ctx context.Context) error {
	if l.lim == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}
