package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/audit"
	"github.com/fiskala/regtruth/internal/budget"
	"github.com/fiskala/regtruth/internal/health"
	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/outcome"
	"github.com/fiskala/regtruth/internal/resilience"
	"github.com/fiskala/regtruth/internal/router"
)

func (o *Orchestrator) handle(ctx context.Context, stage model.Stage, job model.Job) error {
	switch stage {
	case model.StageSentinel:
		return o.handleSentinel(ctx, job)
	case model.StageScout:
		return o.handleScout(ctx, job)
	case model.StageRouter:
		return o.handleRouter(ctx, job)
	case model.StageOCR:
		return o.handleOCR(ctx, job)
	case model.StageExtract:
		return o.handleExtract(ctx, job)
	case model.StageCompose, model.StageApply, model.StageReview, model.StageArbiter, model.StageRelease:
		return o.handleDownstream(ctx, stage, job)
	default:
		return resilience.WithClass(resilience.ClassValidation, eris.Errorf("unknown stage %q", stage))
	}
}

// handleSentinel dedups fresh evidence by content hash and forwards it to
// the scout queue.
func (o *Orchestrator) handleSentinel(ctx context.Context, job model.Job) error {
	if job.Evidence == nil {
		return resilience.WithClass(resilience.ClassValidation, eris.New("sentinel: job has no evidence"))
	}
	ev := *job.Evidence
	if ev.ContentHash == "" {
		ev.ContentHash = model.HashContent(ev.Content)
	}

	if !o.firstSeen(ev.ContentHash) {
		zap.L().Info("sentinel: duplicate evidence dropped",
			zap.String("source", ev.SourceSlug),
			zap.String("hash", ev.ContentHash),
		)
		return nil
	}

	next := job.Child(uuid.NewString(), model.StageScout)
	next.Evidence = &ev
	return o.broker.Enqueue(ctx, next)
}

// handleScout runs the deterministic assessment and forwards the result to
// the router queue.
func (o *Orchestrator) handleScout(ctx context.Context, job model.Job) error {
	if job.Evidence == nil {
		return resilience.WithClass(resilience.ClassValidation, eris.New("scout: job has no evidence"))
	}
	res := o.scout.Assess(job.Evidence.Content, job.Evidence.SourceSlug)

	next := job.Child(uuid.NewString(), model.StageRouter)
	next.Scout = &res
	return o.broker.Enqueue(ctx, next)
}

// handleRouter asks the governance core for the routing decision and
// enqueues at most one follow-on job.
func (o *Orchestrator) handleRouter(ctx context.Context, job model.Job) error {
	if job.Evidence == nil || job.Scout == nil {
		return resilience.WithClass(resilience.ClassValidation, eris.New("router: job missing evidence or scout result"))
	}
	slug := job.Evidence.SourceSlug

	row, err := o.tracker.Snapshot(ctx, slug)
	if err != nil {
		return resilience.WithClass(resilience.ClassInternal, err)
	}
	policy := health.Policy{
		MinScoutScore:    row.MinScoutScore,
		AllowCloud:       row.AllowCloud,
		BudgetMultiplier: row.BudgetMultiplier,
	}

	// Starvation allowance: a POOR/CRITICAL source whose score would be
	// rejected by its own threshold may still earn a bounded trial.
	trial := false
	sc := *job.Scout
	if !sc.Skipped() && sc.WorthItScore < policy.MinScoutScore &&
		(row.HealthState == model.HealthPoor || row.HealthState == model.HealthCritical) && !row.IsPaused {
		trial, err = o.tracker.TrialAdmission(ctx, slug, job.RunID)
		if err != nil {
			return resilience.WithClass(resilience.ClassInternal, err)
		}
	}

	decision, grant := router.Route(router.Request{
		Scout:        sc,
		SourceSlug:   slug,
		Policy:       policy,
		TrialGranted: trial,
	}, func(estimatedTokens int64, cloud bool) budget.Admission {
		return o.ledger.CheckAdmission(ctx, budget.AdmissionRequest{
			SourceSlug:       slug,
			EstimatedTokens:  estimatedTokens,
			BudgetMultiplier: policy.BudgetMultiplier,
			SourcePaused:     row.IsPaused,
			Cloud:            cloud,
		})
	})

	if o.sink != nil {
		ev := audit.Event(model.DecisionRouting, slug, decision.Reason, decision.Metrics)
		ev.RunID = job.RunID
		ev.Detail = string(decision.Route)
		o.sink.Record(ctx, ev)
	}

	switch decision.Route {
	case model.RouteSkip:
		zap.L().Info("router: evidence skipped",
			zap.String("source", slug),
			zap.String("run_id", job.RunID),
			zap.String("reason", string(decision.Reason)),
		)
		return nil

	case model.RouteOCR:
		next := job.Child(uuid.NewString(), model.StageOCR)
		return o.broker.Enqueue(ctx, next)

	case model.RouteExtractLocal, model.RouteExtractCloud:
		next := job.Child(uuid.NewString(), model.StageExtract)
		next.Decision = &decision
		next.Provider = model.ProviderFor(decision.Route)
		o.putGrant(next.ID, grant)
		if err := o.broker.Enqueue(ctx, next); err != nil {
			if g := o.takeGrant(next.ID); g != nil {
				g.Release()
			}
			return err
		}
		return nil

	default:
		if grant != nil {
			grant.Release()
		}
		return resilience.WithClass(resilience.ClassInternal, eris.Errorf("router: unknown route %q", decision.Route))
	}
}

// handleOCR recovers text from a scanned document and sends it back through
// the scout so the recovered text is assessed (and admitted) on its own
// merits.
func (o *Orchestrator) handleOCR(ctx context.Context, job model.Job) error {
	if job.Evidence == nil {
		return resilience.WithClass(resilience.ClassValidation, eris.New("ocr: job has no evidence"))
	}
	if o.ocr == nil {
		return resilience.WithClass(resilience.ClassValidation, eris.New("ocr: no OCR collaborator configured"))
	}

	text, err := o.ocr.Recognize(ctx, *job.Evidence)
	if err != nil {
		return eris.Wrap(err, "ocr: recognize")
	}

	recovered := *job.Evidence
	recovered.Content = text
	recovered.Class = model.DocClassText
	recovered.ContentHash = model.HashContent(text)

	next := job.Child(uuid.NewString(), model.StageScout)
	next.Evidence = &recovered
	return o.broker.Enqueue(ctx, next)
}

// handleExtract runs the paid LLM extraction and finalizes the unit of
// work. This is the one place tokens are actually spent.
func (o *Orchestrator) handleExtract(ctx context.Context, job model.Job) error {
	if job.Evidence == nil || job.Provider == "" {
		return resilience.WithClass(resilience.ClassValidation, eris.New("extract: job missing evidence or provider"))
	}
	slug := job.Evidence.SourceSlug

	if job.Provider == model.ProviderCloudOllama {
		if err := o.ledger.WaitCloudPace(ctx); err != nil {
			return eris.Wrap(err, "extract: cloud pacing")
		}
	}

	stats, err := o.extractor.Extract(ctx, job.Provider, *job.Evidence)
	if err != nil {
		class := resilience.Classify(err)
		if !class.Retryable() {
			// Terminal failure: settle the unit here. Retryable failures
			// go back through the router via the worker loop, grant intact
			// until it releases it.
			grant := o.takeGrant(job.ID)
			if _, finErr := o.recorder.Finalize(ctx, outcome.FinalizeInput{
				SourceSlug: slug,
				RunID:      job.RunID,
				TokensUsed: stats.TokensUsed,
				ErrorClass: class,
				Grant:      grant,
			}); finErr != nil {
				zap.L().Error("extract: finalize failed", zap.Error(finErr))
			}
		}
		return eris.Wrap(err, "extract")
	}

	grant := o.takeGrant(job.ID)
	oc, err := o.recorder.Finalize(ctx, outcome.FinalizeInput{
		SourceSlug:    slug,
		RunID:         job.RunID,
		TokensUsed:    stats.TokensUsed,
		ItemsProduced: stats.ItemsProduced,
		Grant:         grant,
	})
	if err != nil {
		return resilience.WithClass(resilience.ClassInternal, err)
	}

	if oc != model.OutcomeSuccessApplied {
		return nil
	}

	next := job.Child(uuid.NewString(), model.StageCompose)
	next.CandidateFactIDs = stats.FactIDs
	return o.broker.Enqueue(ctx, next)
}

// downstreamOrder maps each post-extract stage to its successor.
var downstreamOrder = map[model.Stage]model.Stage{
	model.StageCompose: model.StageApply,
	model.StageApply:   model.StageReview,
	model.StageReview:  model.StageArbiter,
	model.StageArbiter: model.StageRelease,
}

// handleDownstream runs the configured hook for a post-extract stage and
// forwards the surviving candidate facts. Budget and health were settled at
// the extract boundary; these stages only shepherd candidate facts toward
// publication.
func (o *Orchestrator) handleDownstream(ctx context.Context, stage model.Stage, job model.Job) error {
	factIDs := job.CandidateFactIDs
	if hook, ok := o.hooks[stage]; ok {
		var err error
		factIDs, err = hook(ctx, job)
		if err != nil {
			return eris.Wrapf(err, "%s: hook", stage)
		}
	}

	nextStage, ok := downstreamOrder[stage]
	if !ok {
		zap.L().Info("release: run complete",
			zap.String("run_id", job.RunID),
			zap.Int("facts", len(factIDs)),
		)
		return nil
	}
	if len(factIDs) == 0 {
		zap.L().Info("downstream: no candidate facts survived",
			zap.String("stage", string(stage)),
			zap.String("run_id", job.RunID),
		)
		return nil
	}

	next := job.Child(uuid.NewString(), nextStage)
	next.CandidateFactIDs = factIDs
	return o.broker.Enqueue(ctx, next)
}
