package capture

import (
	"context"

	"firestige.xyz/flowguard/internal/eventbus"
)

// Dispatcher hands events from capture goroutines to the handler through a
// partitioned bus keyed by flow, so events of one flow are evaluated in
// arrival order and different flows in parallel.
type Dispatcher struct {
	bus *eventbus.Bus[Event]
}

// NewDispatcher starts a dispatcher feeding h.
func NewDispatcher(h Handler, partitions, queueSize int) *Dispatcher {
	return &Dispatcher{
		bus: eventbus.New(partitions, queueSize, func(ctx context.Context, e Event) error {
			// Capture is passive; a Block verdict is enforced by the drop rule.
			h.OnEvent(ctx, e.Device, e.Src, e.Dst)
			return nil
		}),
	}
}

// Dispatch queues e. It never blocks; when the flow's partition is full the
// event is dropped and an error returned.
func (d *Dispatcher) Dispatch(e Event) error {
	return d.bus.Publish(e.Key().String(), e)
}

// Stats returns the underlying bus counters.
func (d *Dispatcher) Stats() eventbus.Stats {
	return d.bus.Stats()
}

// Close drains queued events, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.bus.Close(ctx)
}
