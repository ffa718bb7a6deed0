// Package orchestrator sequences the pipeline stages as independent queue
// consumers with per-stage concurrency, bounded retries, and run-level
// cancellation. Its only coupling to the governance core is asking the
// router for a decision before enqueuing OCR/extract work and finalizing
// each unit of work through the outcome recorder exactly once.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fiskala/regtruth/internal/audit"
	"github.com/fiskala/regtruth/internal/budget"
	"github.com/fiskala/regtruth/internal/health"
	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/outcome"
	"github.com/fiskala/regtruth/internal/queue"
	"github.com/fiskala/regtruth/internal/resilience"
	"github.com/fiskala/regtruth/internal/scout"
)

// ExtractStats is what an extraction collaborator reports back.
type ExtractStats struct {
	TokensUsed    int64
	ItemsProduced int64
	FactIDs       []string
}

// Extractor is the LLM extraction collaborator. The orchestrator only picks
// the provider; what the model is asked is not its business.
type Extractor interface {
	Extract(ctx context.Context, provider model.Provider, ev model.Evidence) (ExtractStats, error)
}

// OCR is the scanned-document text recovery collaborator.
type OCR interface {
	Recognize(ctx context.Context, ev model.Evidence) (string, error)
}

// StageHook processes one downstream job (compose, apply, review, arbiter,
// release) and returns the candidate fact ids to forward.
type StageHook func(ctx context.Context, job model.Job) ([]string, error)

// Config tunes the orchestrator.
type Config struct {
	StageWorkers map[model.Stage]int
	QueueDepth   int
	Retry        resilience.RetryConfig
}

// defaultWorkers is the per-stage pool size when unconfigured.
const defaultWorkers = 2

// Orchestrator wires stages together over the broker.
type Orchestrator struct {
	cfg      Config
	broker   *queue.Broker
	dlq      *queue.DLQ
	scout    *scout.Scout
	tracker  *health.Tracker
	ledger   *budget.Ledger
	recorder *outcome.Recorder
	sink     audit.Sink

	extractor Extractor
	ocr       OCR
	hooks     map[model.Stage]StageHook

	cancels *CancelRegistry

	// grants carries admission grants from the router stage to the extract
	// stage, keyed by extract job id. Grants are pointers with slot state,
	// so they ride beside the job rather than inside its payload.
	grants sync.Map

	// seen dedups evidence by content hash for the life of the process.
	seenMu sync.Mutex
	seen   map[string]struct{}
}

// New creates an orchestrator. Hooks for downstream stages are optional;
// missing hooks pass candidate facts through unchanged.
func New(cfg Config, broker *queue.Broker, dlq *queue.DLQ, sc *scout.Scout, tracker *health.Tracker, ledger *budget.Ledger, recorder *outcome.Recorder, sink audit.Sink, extractor Extractor, ocr OCR, hooks map[model.Stage]StageHook) *Orchestrator {
	if hooks == nil {
		hooks = map[model.Stage]StageHook{}
	}
	return &Orchestrator{
		cfg:       cfg,
		broker:    broker,
		dlq:       dlq,
		scout:     sc,
		tracker:   tracker,
		ledger:    ledger,
		recorder:  recorder,
		sink:      sink,
		extractor: extractor,
		ocr:       ocr,
		hooks:     hooks,
		cancels:   NewCancelRegistry(),
		seen:      make(map[string]struct{}),
	}
}

// Cancels exposes the run cancellation registry.
func (o *Orchestrator) Cancels() *CancelRegistry {
	return o.cancels
}

// Submit starts a new ingestion run for one evidence item and returns the
// run id.
func (o *Orchestrator) Submit(ctx context.Context, ev model.Evidence) (string, error) {
	runID := uuid.NewString()
	job := model.Job{
		ID:       uuid.NewString(),
		RunID:    runID,
		Stage:    model.StageSentinel,
		Evidence: &ev,
	}
	if err := o.broker.Enqueue(ctx, job); err != nil {
		return "", eris.Wrap(err, "orchestrator: submit")
	}
	return runID, nil
}

// Run starts all stage worker pools and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, stage := range model.Stages {
		workers := o.cfg.StageWorkers[stage]
		if workers <= 0 {
			workers = defaultWorkers
		}
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				o.consume(ctx, stage)
				return nil
			})
		}
	}

	zap.L().Info("orchestrator: stages running")
	return g.Wait()
}

func (o *Orchestrator) consume(ctx context.Context, stage model.Stage) {
	ch := o.broker.Chan(stage)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-ch:
			if !ok {
				return
			}
			if o.cancels.Cancelled(job.RunID) {
				o.dropCancelled(job)
				continue
			}
			o.process(ctx, stage, job)
		}
	}
}

// dropCancelled discards a job from an aborted run, releasing any budget
// reservation so no spend is recorded for skipped work.
func (o *Orchestrator) dropCancelled(job model.Job) {
	if g := o.takeGrant(job.ID); g != nil {
		g.Release()
	}
	zap.L().Info("orchestrator: dropping job for cancelled run",
		zap.String("run_id", job.RunID),
		zap.String("stage", string(job.Stage)),
	)
}

// process handles one job and resolves its failure policy: transient errors
// re-enter through the router stage so every attempt re-checks admission
// fresh; everything else dead-letters, finalizing the unit when budget was
// already at stake.
func (o *Orchestrator) process(ctx context.Context, stage model.Stage, job model.Job) {
	err := o.handle(ctx, stage, job)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	class := resilience.Classify(err)
	log := zap.L().With(
		zap.String("stage", string(stage)),
		zap.String("run_id", job.RunID),
		zap.String("job_id", job.ID),
		zap.String("class", string(class)),
	)

	if class.TripsCircuit() {
		o.ledger.TripCircuit(ctx, class)
	}

	maxAttempts := class.MaxAttemptsFor(o.retryConfig().MaxAttempts)
	if class.Retryable() && job.Attempt+1 < maxAttempts {
		o.backoff(ctx, job.Attempt)
		retry := job
		retry.Attempt++
		if stage == model.StageExtract {
			// Fresh admission per attempt: release the stale grant and
			// route again instead of hammering extract directly.
			if g := o.takeGrant(job.ID); g != nil {
				g.Release()
			}
			retry.Stage = model.StageRouter
			retry.Decision = nil
			retry.Provider = ""
		}
		if enqErr := o.broker.Enqueue(ctx, retry); enqErr != nil {
			log.Error("orchestrator: requeue failed", zap.Error(enqErr))
			o.deadLetter(ctx, job, err, class)
			return
		}
		log.Warn("orchestrator: job requeued", zap.Int("attempt", retry.Attempt), zap.Error(err))
		return
	}

	o.deadLetter(ctx, job, err, class)
	log.Error("orchestrator: job dead-lettered", zap.Error(err))
}

// deadLetter parks the job and finalizes the unit when it had spend at
// stake (an outstanding grant from the router's admission).
func (o *Orchestrator) deadLetter(ctx context.Context, job model.Job, err error, class resilience.ErrorClass) {
	o.dlq.Add(job, err, class, o.retryConfig().MaxAttempts)

	if g := o.takeGrant(job.ID); g != nil {
		slug := ""
		if job.Evidence != nil {
			slug = job.Evidence.SourceSlug
		}
		if _, finErr := o.recorder.Finalize(ctx, outcome.FinalizeInput{
			SourceSlug: slug,
			RunID:      job.RunID,
			ErrorClass: class,
			Grant:      g,
		}); finErr != nil {
			zap.L().Error("orchestrator: finalize after dead-letter failed", zap.Error(finErr))
		}
	}
}

func (o *Orchestrator) backoff(ctx context.Context, attempt int) {
	cfg := o.retryConfig()
	delay := cfg.InitialBackoff * time.Duration(1<<attempt)
	if delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (o *Orchestrator) retryConfig() resilience.RetryConfig {
	if o.cfg.Retry.MaxAttempts > 0 {
		return o.cfg.Retry
	}
	return resilience.DefaultRetryConfig()
}

func (o *Orchestrator) putGrant(jobID string, g *budget.Grant) {
	if g != nil {
		o.grants.Store(jobID, g)
	}
}

func (o *Orchestrator) takeGrant(jobID string) *budget.Grant {
	v, ok := o.grants.LoadAndDelete(jobID)
	if !ok {
		return nil
	}
	return v.(*budget.Grant)
}

// firstSeen records the hash and reports whether it was new.
func (o *Orchestrator) firstSeen(hash string) bool {
	o.seenMu.Lock()
	defer o.seenMu.Unlock()
	if _, ok := o.seen[hash]; ok {
		return false
	}
	o.seen[hash] = struct{}{}
	return true
}
