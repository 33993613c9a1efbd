package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"straddlebot/internal/ports"
)

// Evaluator is the per-symbol controller surface the driver ticks.
type Evaluator interface {
	Symbol() string
	Evaluate(ctx context.Context, now time.Time) error
}

// Driver invokes Evaluate on each registered controller at its profile's
// cadence. Delivery is at-least-once per interval: a slow evaluation plus the
// follow-up tick both reach the controller, whose try-lock lease drops the
// overlap. The driver never queues ticks.
type Driver struct {
	logger ports.Logger
	wg     sync.WaitGroup
}

// New creates a tick driver.
func New(logger ports.Logger) (*Driver, error) {
	if logger == nil {
		return nil, fmt.Errorf("tick driver requires a logger")
	}
	return &Driver{logger: logger}, nil
}

// Launch starts a tick loop for one controller. One immediate evaluation runs
// before the first interval elapses, then the ticker takes over until the
// context ends. Evaluation errors are logged and isolated to the symbol.
func (d *Driver) Launch(ctx context.Context, ev Evaluator, interval time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.tick(ctx, ev)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.logger.Info(ctx, "Tick loop stopped", map[string]interface{}{"symbol": ev.Symbol()})
				return
			case <-ticker.C:
				d.tick(ctx, ev)
			}
		}
	}()
}

// Wait blocks until every launched tick loop has exited.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) tick(ctx context.Context, ev Evaluator) {
	if err := ev.Evaluate(ctx, time.Now().UTC()); err != nil {
		d.logger.Error(ctx, err, "Evaluation failed", map[string]interface{}{"symbol": ev.Symbol()})
	}
}
