package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run fires Tick once per minute, aligned to the minute boundary, until
// the context is cancelled. A failed tick is logged and the next minute
// proceeds; dedup keys make a re-dispatched minute safe.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Minute).Add(time.Minute)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next.Sub(now)):
		}

		if err := d.Tick(ctx, next); err != nil {
			d.log.Error("tick failed", zap.Time("minute", next), zap.Error(err))
		}
	}
}
