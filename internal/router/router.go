// Package router turns a scout assessment, the source's adaptive health
// policy, and a budget admission check into exactly one routing decision.
// Route is pure given its inputs — no I/O — so it is testable by table.
package router

import (
	"github.com/fiskala/regtruth/internal/budget"
	"github.com/fiskala/regtruth/internal/health"
	"github.com/fiskala/regtruth/internal/model"
)

// cloudScoreThreshold is the worth-it score at which cloud extraction is
// preferred over local, health policy permitting.
const cloudScoreThreshold = 0.7

// AdmissionFn checks and reserves budget for the given token estimate.
// The cloud flag selects which concurrency slot pool the reservation uses.
type AdmissionFn func(estimatedTokens int64, cloud bool) budget.Admission

// Request bundles the router's inputs for one evidence item.
type Request struct {
	Scout      model.ScoutResult
	SourceSlug string
	// Policy is the source's current adaptive policy from the health
	// tracker — the threshold is per-source, never a global constant.
	Policy health.Policy
	// TrialGranted marks a starvation-allowance trial: the admission
	// bypasses the source's score threshold (but nothing else).
	TrialGranted bool
}

// Route emits one routing decision. First match wins:
//
//  1. scout skip reason            -> SKIP
//  2. score below source threshold -> SKIP (unless trial)
//  3. needs OCR                    -> OCR
//  4. budget admission denied      -> SKIP with the denial reason
//  5. health policy denies cloud   -> EXTRACT_LOCAL
//  6. score >= 0.7 and cloud ok    -> EXTRACT_CLOUD
//  7. default                      -> EXTRACT_LOCAL
//
// When the decision is EXTRACT_LOCAL or EXTRACT_CLOUD the returned grant
// holds the admitted budget; the caller must Commit or Release it.
func Route(req Request, admit AdmissionFn) (model.RoutingDecision, *budget.Grant) {
	s := req.Scout
	metrics := map[string]float64{
		"worth_it_score":   s.WorthItScore,
		"min_scout_score":  req.Policy.MinScoutScore,
		"estimated_tokens": float64(s.EstimatedTokens),
	}

	if s.Skipped() {
		return model.RoutingDecision{
			Route:   model.RouteSkip,
			Reason:  model.ReasonScoutSkip,
			Detail:  model.ReasonCode(s.SkipReason),
			Metrics: metrics,
		}, nil
	}

	if s.WorthItScore < req.Policy.MinScoutScore && !req.TrialGranted {
		return model.RoutingDecision{
			Route:   model.RouteSkip,
			Reason:  model.ReasonBelowThreshold,
			Metrics: metrics,
		}, nil
	}
	if req.TrialGranted {
		metrics["trial"] = 1
	}

	if s.NeedsOCR {
		return model.RoutingDecision{
			Route:   model.RouteOCR,
			Reason:  model.ReasonNeedsOCR,
			Metrics: metrics,
		}, nil
	}

	// Pick the prospective slot pool before the admission check so the
	// reservation lands in the right pool.
	wantCloud := req.Policy.AllowCloud && s.WorthItScore >= cloudScoreThreshold

	adm := admit(int64(s.EstimatedTokens), wantCloud)
	for k, v := range adm.Metrics {
		metrics[k] = v
	}
	if !adm.Allowed {
		return model.RoutingDecision{
			Route:   model.RouteSkip,
			Reason:  adm.Reason,
			Metrics: metrics,
		}, nil
	}

	if !req.Policy.AllowCloud {
		return model.RoutingDecision{
			Route:   model.RouteExtractLocal,
			Reason:  model.ReasonCloudDenied,
			Metrics: metrics,
		}, adm.Grant
	}

	if wantCloud {
		return model.RoutingDecision{
			Route:   model.RouteExtractCloud,
			Reason:  model.ReasonHighValueCloud,
			Metrics: metrics,
		}, adm.Grant
	}

	return model.RoutingDecision{
		Route:   model.RouteExtractLocal,
		Reason:  model.ReasonDefaultLocal,
		Metrics: metrics,
	}, adm.Grant
}
