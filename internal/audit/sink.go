// Package audit persists governance decision events. Decision functions
// return their (decision, reason, metrics) as values; sinks here are the
// side-channel that records them, so the decision path stays pure.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/model"
)

// Sink receives decision events. Implementations must never fail the
// decision path: recording problems are logged, not propagated.
type Sink interface {
	Record(ctx context.Context, ev model.DecisionEvent)
}

// Appender is the slice of the decision log the store sink needs.
type Appender interface {
	Append(ctx context.Context, ev model.DecisionEvent) error
}

// Event builds a DecisionEvent with a fresh id and timestamp.
func Event(kind model.DecisionKind, slug string, reason model.ReasonCode, metrics map[string]float64) model.DecisionEvent {
	return model.DecisionEvent{
		ID:         uuid.NewString(),
		At:         time.Now().UTC(),
		Kind:       kind,
		SourceSlug: slug,
		Reason:     reason,
		Metrics:    metrics,
	}
}

// LogSink writes decision events to the global logger.
type LogSink struct{}

// Record logs the event at info level.
func (LogSink) Record(_ context.Context, ev model.DecisionEvent) {
	zap.L().Info("decision",
		zap.String("kind", string(ev.Kind)),
		zap.String("source", ev.SourceSlug),
		zap.String("reason", string(ev.Reason)),
		zap.String("run_id", ev.RunID),
		zap.Any("metrics", ev.Metrics),
	)
}

// StoreSink appends decision events to a persistent decision log.
type StoreSink struct {
	log Appender
}

// NewStoreSink creates a sink backed by the given decision log.
func NewStoreSink(log Appender) *StoreSink {
	return &StoreSink{log: log}
}

// Record appends the event. Append failures are logged and swallowed — the
// audit trail must never block or fail a governance decision.
func (s *StoreSink) Record(ctx context.Context, ev model.DecisionEvent) {
	if err := s.log.Append(ctx, ev); err != nil {
		zap.L().Error("audit: append decision event failed",
			zap.String("reason", string(ev.Reason)),
			zap.String("source", ev.SourceSlug),
			zap.Error(err),
		)
	}
}

// Fanout records to every wrapped sink.
type Fanout []Sink

// Record dispatches the event to each sink in order.
func (f Fanout) Record(ctx context.Context, ev model.DecisionEvent) {
	for _, s := range f {
		s.Record(ctx, ev)
	}
}
