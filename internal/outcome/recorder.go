// Package outcome is the single choke point that finalizes a unit of work.
// Every terminal outcome flows through Finalize exactly once, which is what
// keeps budget and health state consistent with reported outcomes.
package outcome

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/budget"
	"github.com/fiskala/regtruth/internal/health"
	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/resilience"
)

// FinalizeInput describes one finished unit of work. The outcome tag is
// derived here from ItemsProduced and ErrorClass — callers never supply a
// success flag of their own.
type FinalizeInput struct {
	SourceSlug    string
	RunID         string
	TokensUsed    int64
	ItemsProduced int64
	// ErrorClass is empty for successful work.
	ErrorClass resilience.ErrorClass
	// Grant is the admission grant covering this work, nil when the unit
	// was admitted without one.
	Grant *budget.Grant
}

// Recorder feeds finalized outcomes into the ledger and the health tracker.
type Recorder struct {
	ledger  *budget.Ledger
	tracker *health.Tracker
}

// NewRecorder creates a Recorder.
func NewRecorder(ledger *budget.Ledger, tracker *health.Tracker) *Recorder {
	return &Recorder{ledger: ledger, tracker: tracker}
}

// Derive computes the outcome tag. Pure; exported for table tests.
func Derive(itemsProduced int64, errorClass resilience.ErrorClass) model.Outcome {
	switch errorClass {
	case "":
		if itemsProduced > 0 {
			return model.OutcomeSuccessApplied
		}
		return model.OutcomeSuccessNoChange
	case resilience.ClassTransient:
		return model.OutcomeFailedTransient
	case resilience.ClassValidation:
		return model.OutcomeFailedValidation
	case resilience.ClassAuth:
		return model.OutcomeFailedAuth
	case resilience.ClassQuota:
		return model.OutcomeFailedQuota
	case resilience.ClassContent:
		return model.OutcomeFailedContent
	default:
		return model.OutcomeFailedInternal
	}
}

// Finalize derives the outcome, updates the budget ledger, then the health
// tracker, and only then returns. The ordering guarantees health and budget
// state are never out of sync with a reported outcome.
func (r *Recorder) Finalize(ctx context.Context, in FinalizeInput) (model.Outcome, error) {
	oc := Derive(in.ItemsProduced, in.ErrorClass)

	// 1. Budget ledger: settle the reservation (or record raw spend), then
	// streak and circuit bookkeeping.
	if in.Grant != nil {
		in.Grant.Commit(in.TokensUsed)
	} else if in.TokensUsed > 0 {
		r.ledger.RecordSpend(in.SourceSlug, in.TokensUsed)
	}

	switch {
	case oc == model.OutcomeSuccessNoChange || oc == model.OutcomeFailedContent:
		r.ledger.RecordEmptyOutput(ctx, in.SourceSlug)
	case oc == model.OutcomeSuccessApplied:
		r.ledger.RecordProductiveOutput(in.SourceSlug)
	}
	if in.ErrorClass.TripsCircuit() {
		r.ledger.TripCircuit(ctx, in.ErrorClass)
	}

	// 2. Health tracker.
	row, err := r.tracker.RecordOutcome(ctx, in.SourceSlug, oc, in.TokensUsed, in.ItemsProduced)
	if err != nil {
		return oc, eris.Wrapf(err, "outcome: record health for %s", in.SourceSlug)
	}

	zap.L().Debug("outcome finalized",
		zap.String("source", in.SourceSlug),
		zap.String("run_id", in.RunID),
		zap.String("outcome", string(oc)),
		zap.Int64("tokens_used", in.TokensUsed),
		zap.Int64("items_produced", in.ItemsProduced),
		zap.Float64("health_score", row.HealthScore),
		zap.String("health_state", string(row.HealthState)),
	)

	return oc, nil
}
