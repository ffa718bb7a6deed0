package health

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/audit"
	"github.com/fiskala/regtruth/internal/model"
)

// Store is the slice of persistence the tracker needs. Mutate must serialize
// concurrent mutations for the same slug while leaving different slugs
// unblocked, and must create a zero row (slug set) when none exists.
type Store interface {
	Mutate(ctx context.Context, slug string, fn func(*model.SourceHealth) error) (model.SourceHealth, error)
	Get(ctx context.Context, slug string) (model.SourceHealth, error)
	List(ctx context.Context) ([]model.SourceHealth, error)
}

// Config tunes the tracker's stability guarantees.
type Config struct {
	Window              time.Duration
	PauseScoreFloor     float64
	AutoPauseDuration   time.Duration
	CriticalDwell       time.Duration
	PoorDwell           time.Duration
	StarvationPerWindow int
	StarvationSpacing   time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		Window:              7 * 24 * time.Hour,
		PauseScoreFloor:     0.1,
		AutoPauseDuration:   24 * time.Hour,
		CriticalDwell:       24 * time.Hour,
		PoorDwell:           12 * time.Hour,
		StarvationPerWindow: 3,
		StarvationSpacing:   48 * time.Hour,
	}
}

// Tracker maintains one SourceHealth row per source and applies the state
// machine on every recorded outcome.
type Tracker struct {
	store Store
	sink  audit.Sink
	cfg   Config

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFunc = now }
}

// NewTracker creates a tracker over the given store and audit sink.
func NewTracker(store Store, sink audit.Sink, cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.PauseScoreFloor <= 0 {
		cfg.PauseScoreFloor = def.PauseScoreFloor
	}
	if cfg.AutoPauseDuration <= 0 {
		cfg.AutoPauseDuration = def.AutoPauseDuration
	}
	if cfg.CriticalDwell <= 0 {
		cfg.CriticalDwell = def.CriticalDwell
	}
	if cfg.PoorDwell <= 0 {
		cfg.PoorDwell = def.PoorDwell
	}
	if cfg.StarvationPerWindow <= 0 {
		cfg.StarvationPerWindow = def.StarvationPerWindow
	}
	if cfg.StarvationSpacing <= 0 {
		cfg.StarvationSpacing = def.StarvationSpacing
	}

	t := &Tracker{
		store:   store,
		sink:    sink,
		cfg:     cfg,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordOutcome folds one finalized outcome into the source's rolling
// counters, recomputes the score, and runs the state machine. Exactly one
// decision event is written per transition (including blocked ones).
func (t *Tracker) RecordOutcome(ctx context.Context, slug string, outcome model.Outcome, tokensUsed, itemsProduced int64) (model.SourceHealth, error) {
	now := t.nowFunc()
	var events []model.DecisionEvent

	row, err := t.store.Mutate(ctx, slug, func(h *model.SourceHealth) error {
		events = nil // the store may re-run the closure on a version conflict
		t.initRow(h, now)
		events = append(events, t.rollWindow(h, now)...)

		h.Counters.TotalAttempts++
		h.Counters.TotalTokensUsed += tokensUsed
		h.Counters.TotalItemsProduced += itemsProduced
		switch {
		case outcome == model.OutcomeSuccessApplied:
			h.Counters.SuccessCount++
		case outcome == model.OutcomeSuccessNoChange:
			h.Counters.SuccessCount++
			h.Counters.EmptyCount++
		default:
			h.Counters.ErrorCount++
		}

		events = append(events, t.evaluate(h, now)...)
		return nil
	})
	if err != nil {
		return model.SourceHealth{}, eris.Wrapf(err, "health: record outcome for %s", slug)
	}

	t.record(ctx, events)
	return row, nil
}

// Snapshot returns the current row, lazily expiring an elapsed pause and
// rolling an elapsed window first.
func (t *Tracker) Snapshot(ctx context.Context, slug string) (model.SourceHealth, error) {
	now := t.nowFunc()
	var events []model.DecisionEvent

	row, err := t.store.Mutate(ctx, slug, func(h *model.SourceHealth) error {
		events = nil
		t.initRow(h, now)
		events = append(events, t.rollWindow(h, now)...)
		events = append(events, t.expirePause(h, now)...)
		return nil
	})
	if err != nil {
		return model.SourceHealth{}, eris.Wrapf(err, "health: snapshot %s", slug)
	}

	t.record(ctx, events)
	return row, nil
}

// List returns all tracked rows without touching them.
func (t *Tracker) List(ctx context.Context) ([]model.SourceHealth, error) {
	rows, err := t.store.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "health: list")
	}
	return rows, nil
}

// TrialAdmission grants one starvation-allowance trial to a POOR/CRITICAL
// source, if the per-window quota and spacing permit. The grant itself is an
// audited decision.
func (t *Tracker) TrialAdmission(ctx context.Context, slug, runID string) (bool, error) {
	now := t.nowFunc()
	granted := false
	var events []model.DecisionEvent

	_, err := t.store.Mutate(ctx, slug, func(h *model.SourceHealth) error {
		events, granted = nil, false
		t.initRow(h, now)
		events = append(events, t.rollWindow(h, now)...)

		if h.HealthState != model.HealthPoor && h.HealthState != model.HealthCritical {
			return nil
		}
		if h.TrialGrants >= t.cfg.StarvationPerWindow {
			return nil
		}
		if !h.LastTrialAt.IsZero() && now.Sub(h.LastTrialAt) < t.cfg.StarvationSpacing {
			return nil
		}

		h.TrialGrants++
		h.LastTrialAt = now
		h.LastDecisionReason = model.ReasonStarvationGrant
		h.LastDecisionAt = now
		granted = true

		ev := audit.Event(model.DecisionHealth, slug, model.ReasonStarvationGrant, map[string]float64{
			"trial_grants":     float64(h.TrialGrants),
			"per_window_limit": float64(t.cfg.StarvationPerWindow),
			"health_score":     h.HealthScore,
		})
		ev.RunID = runID
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return false, eris.Wrapf(err, "health: trial admission for %s", slug)
	}

	t.record(ctx, events)
	return granted, nil
}

// Pause pauses a source. Manual pauses carry the operator's reason and a
// distinct reason code so audit queries can separate them from automated
// ones. A zero duration means the pause does not expire on its own.
func (t *Tracker) Pause(ctx context.Context, slug, reason string, d time.Duration, manual bool) error {
	now := t.nowFunc()
	code := model.ReasonAutoPause
	if manual {
		code = model.ReasonManualPause
	}
	var events []model.DecisionEvent

	_, err := t.store.Mutate(ctx, slug, func(h *model.SourceHealth) error {
		events = nil
		t.initRow(h, now)
		h.IsPaused = true
		h.PauseReason = reason
		h.PauseManual = manual
		if d > 0 {
			h.PauseExpiresAt = now.Add(d)
		} else {
			h.PauseExpiresAt = time.Time{}
		}
		h.LastDecisionReason = code
		h.LastDecisionAt = now

		ev := audit.Event(model.DecisionPause, slug, code, map[string]float64{
			"health_score": h.HealthScore,
		})
		ev.Detail = reason
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "health: pause %s", slug)
	}

	t.record(ctx, events)
	return nil
}

// Unpause lifts a pause. Manual unpauses get their own reason code.
func (t *Tracker) Unpause(ctx context.Context, slug string, manual bool) error {
	now := t.nowFunc()
	code := model.ReasonAutoUnpause
	if manual {
		code = model.ReasonManualUnpause
	}
	var events []model.DecisionEvent

	_, err := t.store.Mutate(ctx, slug, func(h *model.SourceHealth) error {
		events = nil
		t.initRow(h, now)
		if !h.IsPaused {
			return nil
		}
		h.IsPaused = false
		h.PauseReason = ""
		h.PauseManual = false
		h.PauseExpiresAt = time.Time{}
		h.LastDecisionReason = code
		h.LastDecisionAt = now

		events = append(events, audit.Event(model.DecisionPause, slug, code, nil))
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "health: unpause %s", slug)
	}

	t.record(ctx, events)
	return nil
}

// Sweep expires elapsed pauses and rolls elapsed windows across all sources.
// Run periodically; everything it does also happens lazily on access, so a
// missed sweep only delays, never corrupts.
func (t *Tracker) Sweep(ctx context.Context) error {
	rows, err := t.store.List(ctx)
	if err != nil {
		return eris.Wrap(err, "health: sweep list")
	}
	for _, row := range rows {
		if _, err := t.Snapshot(ctx, row.SourceSlug); err != nil {
			zap.L().Warn("health: sweep snapshot failed",
				zap.String("source", row.SourceSlug),
				zap.Error(err),
			)
		}
	}
	return nil
}

// initRow fills defaults on a freshly created row. New sources start at the
// neutral score in FAIR with the matching policy.
func (t *Tracker) initRow(h *model.SourceHealth, now time.Time) {
	if !h.WindowStartedAt.IsZero() {
		return
	}
	h.WindowStartedAt = now
	h.HealthScore = neutralScore
	h.HealthState = StateForScore(neutralScore)
	h.HealthStateEnteredAt = now
	t.applyPolicy(h)
}

// rollWindow resets counters when the rolling window has elapsed. The
// starvation-allowance counters reset with the window.
func (t *Tracker) rollWindow(h *model.SourceHealth, now time.Time) []model.DecisionEvent {
	if now.Sub(h.WindowStartedAt) < t.cfg.Window {
		return nil
	}
	old := h.Counters
	h.Counters = model.WindowCounters{}
	h.WindowStartedAt = now
	h.TrialGrants = 0
	h.LastTrialAt = time.Time{}

	return []model.DecisionEvent{audit.Event(model.DecisionHealth, h.SourceSlug, model.ReasonWindowRollover, map[string]float64{
		"prev_attempts": float64(old.TotalAttempts),
		"prev_score":    h.HealthScore,
	})}
}

// expirePause lifts a pause whose expiry has passed.
func (t *Tracker) expirePause(h *model.SourceHealth, now time.Time) []model.DecisionEvent {
	if !h.IsPaused || h.PauseExpiresAt.IsZero() || now.Before(h.PauseExpiresAt) {
		return nil
	}
	h.IsPaused = false
	h.PauseReason = ""
	h.PauseManual = false
	h.PauseExpiresAt = time.Time{}
	h.LastDecisionReason = model.ReasonAutoUnpause
	h.LastDecisionAt = now

	return []model.DecisionEvent{audit.Event(model.DecisionPause, h.SourceSlug, model.ReasonAutoUnpause, nil)}
}

// evaluate recomputes the score, runs the state machine, applies the policy
// tuple and the auto-pause floor. Returns the decision events to record.
func (t *Tracker) evaluate(h *model.SourceHealth, now time.Time) []model.DecisionEvent {
	var events []model.DecisionEvent

	score := ComputeScore(h.Counters)
	h.HealthScore = score

	tr := Evaluate(h.HealthState, h.HealthStateEnteredAt, score, now, t.cfg.CriticalDwell, t.cfg.PoorDwell)
	if tr.Reason != "" {
		metrics := map[string]float64{
			"health_score": score,
			"from_rank":    float64(tr.From.Rank()),
			"to_rank":      float64(tr.To.Rank()),
			"target_rank":  float64(tr.Target.Rank()),
		}
		ev := audit.Event(model.DecisionHealth, h.SourceSlug, tr.Reason, metrics)
		ev.Detail = string(tr.From) + "->" + string(tr.To)
		events = append(events, ev)

		h.LastDecisionReason = tr.Reason
		h.LastDecisionAt = now
		h.LastDecisionDetails = metrics
	}
	if tr.Moved {
		h.HealthState = tr.To
		h.HealthStateEnteredAt = now
		t.applyPolicy(h)
	}

	// Absolute floor: auto-pause regardless of tier.
	if score < t.cfg.PauseScoreFloor && !h.IsPaused {
		h.IsPaused = true
		h.PauseReason = "health score below floor"
		h.PauseManual = false
		h.PauseExpiresAt = now.Add(t.cfg.AutoPauseDuration)
		h.LastDecisionReason = model.ReasonAutoPause
		h.LastDecisionAt = now

		ev := audit.Event(model.DecisionPause, h.SourceSlug, model.ReasonAutoPause, map[string]float64{
			"health_score": score,
			"floor":        t.cfg.PauseScoreFloor,
		})
		events = append(events, ev)
	}

	return events
}

func (t *Tracker) applyPolicy(h *model.SourceHealth) {
	p := PolicyFor(h.HealthState)
	h.MinScoutScore = p.MinScoutScore
	h.AllowCloud = p.AllowCloud
	h.BudgetMultiplier = p.BudgetMultiplier
}

func (t *Tracker) record(ctx context.Context, events []model.DecisionEvent) {
	if t.sink == nil {
		return
	}
	for _, ev := range events {
		t.sink.Record(ctx, ev)
	}
}
