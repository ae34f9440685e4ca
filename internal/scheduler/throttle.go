package scheduler

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits file reads to a byte rate shared by every worker.
// A nil *Throttle never waits.
type Throttle struct {
	limiter *rate.Limiter
	burst   int
}

// NewThrottle returns a throttle for bytesPerSec, or nil when bytesPerSec <= 0.
func NewThrottle(bytesPerSec int64) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(min(bytesPerSec, 1<<30))
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst), burst: burst}
}

// WaitN blocks until n bytes may be read. Requests larger than the burst
// are split so they never fail.
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	for n > 0 {
		step := min(n, t.burst)
		if err := t.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
