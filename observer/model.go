package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	breezerun "github.com/zysoong/breezerun"
)

// instrumentedModel wraps a LanguageModel with request counting and duration
// recording.
type instrumentedModel struct {
	inner breezerun.LanguageModel
	model string
	inst  *Instruments
}

// WrapModel returns a LanguageModel that records ModelRequests and
// ModelDuration around every Stream call. The model attribute carries the
// configured model name so dashboards can split by backend.
func WrapModel(m breezerun.LanguageModel, model string, inst *Instruments) breezerun.LanguageModel {
	if inst == nil {
		return m
	}
	return &instrumentedModel{inner: m, model: model, inst: inst}
}

func (m *instrumentedModel) Name() string { return m.inner.Name() }

func (m *instrumentedModel) Stream(ctx context.Context, req breezerun.ChatRequest, ch chan<- breezerun.StreamChunk) error {
	attrs := []attribute.KeyValue{
		attribute.String("provider", m.inner.Name()),
		attribute.String("model", m.model),
	}
	m.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(attrs...))

	start := time.Now()
	err := m.inner.Stream(ctx, req, ch)

	attrs = append(attrs, attribute.Bool("error", err != nil))
	m.inst.ModelDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	return err
}

var _ breezerun.LanguageModel = (*instrumentedModel)(nil)
