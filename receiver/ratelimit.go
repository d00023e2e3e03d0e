package receiver

import (
	"context"

	"golang.org/x/time/rate"
)

// commandLimiter paces outbound device-changing commands (LAUNCH, STOP,
// SET_VOLUME) with a token bucket so a caller issuing a rapid burst of
// volume changes doesn't flood the receiver, which several real Cast
// devices throttle or drop under load.
type commandLimiter struct {
	limiter *rate.Limiter
}

// defaultCommandRate and defaultCommandBurst mirror a sensible device
// command cadence: a handful of launch/stop/volume changes per second,
// with GET_STATUS and app-availability queries left unthrottled.
const (
	defaultCommandRate  = 5.0
	defaultCommandBurst = 5
)

func newCommandLimiter() *commandLimiter {
	return &commandLimiter{limiter: rate.NewLimiter(rate.Limit(defaultCommandRate), defaultCommandBurst)}
}

// wait blocks until a token is available or ctx is cancelled.
func (c *commandLimiter) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}
