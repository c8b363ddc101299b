package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	breezerun "github.com/zysoong/breezerun"
)

// instrumentedTool wraps a Tool with execution counting and duration
// recording.
type instrumentedTool struct {
	inner breezerun.Tool
	inst  *Instruments
}

// WrapTool returns a Tool that records ToolExecutions and ToolDuration
// around every Execute call, tagged with the tool name and outcome.
func WrapTool(t breezerun.Tool, inst *Instruments) breezerun.Tool {
	if inst == nil {
		return t
	}
	return &instrumentedTool{inner: t, inst: inst}
}

func (t *instrumentedTool) Name() string                          { return t.inner.Name() }
func (t *instrumentedTool) Description() string                   { return t.inner.Description() }
func (t *instrumentedTool) Parameters() []breezerun.ToolParameter { return t.inner.Parameters() }

func (t *instrumentedTool) Execute(ctx context.Context, args json.RawMessage) breezerun.ToolResult {
	start := time.Now()
	result := t.inner.Execute(ctx, args)

	attrs := metric.WithAttributes(
		attribute.String("tool", t.inner.Name()),
		attribute.Bool("success", result.Success),
	)
	t.inst.ToolExecutions.Add(ctx, 1, attrs)
	t.inst.ToolDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	return result
}

var _ breezerun.Tool = (*instrumentedTool)(nil)
