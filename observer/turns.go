package observer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	breezerun "github.com/zysoong/breezerun"
)

// ObserveTurns subscribes to the event bus and records TurnsStarted,
// TurnsFinished, and TurnDuration from the orchestrator's streaming
// lifecycle events. Turn status is derived from the terminal end event:
// cancelled, error, or completed.
//
// Returns the subscription id so callers can Unsubscribe on shutdown.
func ObserveTurns(bus *breezerun.EventBus, inst *Instruments) int {
	if inst == nil {
		return 0
	}
	var mu sync.Mutex
	starts := make(map[string]time.Time)

	return bus.Subscribe(func(ev breezerun.Event) {
		ctx := context.Background()
		switch ev.Type {
		case breezerun.EventStreamStart:
			mu.Lock()
			starts[ev.MessageID] = time.Now()
			mu.Unlock()
			inst.TurnsStarted.Add(ctx, 1)

		case breezerun.EventStreamEnd:
			status := "completed"
			if ev.Cancelled {
				status = "cancelled"
			} else if ev.Err != "" {
				status = "error"
			}
			attrs := metric.WithAttributes(attribute.String("status", status))
			inst.TurnsFinished.Add(ctx, 1, attrs)

			mu.Lock()
			started, ok := starts[ev.MessageID]
			delete(starts, ev.MessageID)
			mu.Unlock()
			if ok {
				inst.TurnDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
			}
		}
	}, 0, breezerun.EventStreamStart, breezerun.EventStreamEnd)
}
