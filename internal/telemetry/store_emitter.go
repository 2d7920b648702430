package telemetry

import (
	"context"

	"github.com/emberhost/crucible/internal/model"
)

// MetricsWriter is the persistence surface the store emitter needs.
type MetricsWriter interface {
	InsertMetrics(ctx context.Context, m model.ExecutionMetrics) error
}

// StoreEmitter persists metrics records through a MetricsWriter.
type StoreEmitter struct {
	w MetricsWriter
}

// NewStoreEmitter creates an emitter writing into w.
func NewStoreEmitter(w MetricsWriter) *StoreEmitter {
	return &StoreEmitter{w: w}
}

func (e *StoreEmitter) Emit(ctx context.Context, m model.ExecutionMetrics) error {
	return e.w.InsertMetrics(ctx, m)
}
