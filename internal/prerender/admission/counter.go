package admission

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Counter is the process-local admission counter. It never returns errors.
type Counter struct {
	ceiling  int64
	inflight atomic.Int64
	logger   *zap.Logger
}

func NewCounter(ceiling int, logger *zap.Logger) *Counter {
	return &Counter{
		ceiling: int64(ceiling),
		logger:  logger,
	}
}

// TryAdmit takes a slot iff fewer than Ceiling renders are in flight
func (c *Counter) TryAdmit(_ context.Context, _ string) (bool, error) {
	for {
		current := c.inflight.Load()
		if current >= c.ceiling {
			return false, nil
		}
		if c.inflight.CompareAndSwap(current, current+1) {
			return true, nil
		}
	}
}

// Release returns a slot. Releasing with nothing in flight is logged and ignored.
func (c *Counter) Release(_ context.Context, holder string) error {
	for {
		current := c.inflight.Load()
		if current <= 0 {
			c.logger.Warn("Admission release without matching admit",
				zap.String("holder", holder))
			return nil
		}
		if c.inflight.CompareAndSwap(current, current-1) {
			return nil
		}
	}
}

func (c *Counter) InFlight(_ context.Context) (int, error) {
	return int(c.inflight.Load()), nil
}

func (c *Counter) Ceiling() int {
	return int(c.ceiling)
}
