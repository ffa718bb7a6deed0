// Package budget enforces the token spend policy: global and per-source
// daily caps, a global circuit breaker, per-source cooldowns, and
// concurrency slots for cloud and local extraction.
package budget

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fiskala/regtruth/internal/audit"
	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/resilience"
)

// Config tunes the ledger.
type Config struct {
	GlobalDailyTokens   int64
	SourceDailyTokens   int64
	MaxEvidenceTokens   int64
	CloudSlots          int64
	LocalSlots          int64
	CloudCallsPerMinute float64
	EmptyStreakLimit    int
	Cooldown            time.Duration
	// ResetLocation is the timezone whose midnight resets the daily
	// counters. Defaults to UTC.
	ResetLocation *time.Location
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{
		GlobalDailyTokens:   5_000_000,
		SourceDailyTokens:   500_000,
		MaxEvidenceTokens:   120_000,
		CloudSlots:          2,
		LocalSlots:          4,
		CloudCallsPerMinute: 30,
		EmptyStreakLimit:    3,
		Cooldown:            6 * time.Hour,
		ResetLocation:       time.UTC,
	}
}

// AdmissionRequest is one admission check. BudgetMultiplier and SourcePaused
// come from the source's current health policy; the ledger does not reach
// into the health store itself.
type AdmissionRequest struct {
	SourceSlug       string
	EstimatedTokens  int64
	BudgetMultiplier float64
	SourcePaused     bool
	Cloud            bool
}

// Admission is the result of a check. A denied admission always carries a
// machine-readable reason, never a bare boolean. An allowed admission
// carries a Grant holding the token reservation and the concurrency slot;
// the caller must Commit or Release it exactly once.
type Admission struct {
	Allowed bool
	Reason  model.ReasonCode
	Metrics map[string]float64
	Grant   *Grant
}

// sourceBudget is the per-source slice of the ledger. Each source has its
// own lock so unrelated sources never serialize on each other.
type sourceBudget struct {
	mu            sync.Mutex
	day           string
	used          int64
	reserved      int64
	cooldownUntil time.Time
	emptyStreak   int
}

// Ledger is the process-wide budget state.
type Ledger struct {
	cfg  Config
	sink audit.Sink

	// mu guards the global counters, the circuit, and the day boundary.
	mu              sync.Mutex
	day             string
	globalUsed      int64
	globalReserved  int64
	circuit         model.CircuitState
	circuitReason   string
	circuitOpenedAt time.Time

	srcMu   sync.Mutex
	sources map[string]*sourceBudget

	cloudSlots *semaphore.Weighted
	localSlots *semaphore.Weighted
	cloudPace  *rate.Limiter

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = now }
}

// NewLedger creates a ledger with the given config and audit sink.
func NewLedger(cfg Config, sink audit.Sink, opts ...Option) *Ledger {
	def := DefaultConfig()
	if cfg.GlobalDailyTokens <= 0 {
		cfg.GlobalDailyTokens = def.GlobalDailyTokens
	}
	if cfg.SourceDailyTokens <= 0 {
		cfg.SourceDailyTokens = def.SourceDailyTokens
	}
	if cfg.MaxEvidenceTokens <= 0 {
		cfg.MaxEvidenceTokens = def.MaxEvidenceTokens
	}
	if cfg.CloudSlots <= 0 {
		cfg.CloudSlots = def.CloudSlots
	}
	if cfg.LocalSlots <= 0 {
		cfg.LocalSlots = def.LocalSlots
	}
	if cfg.CloudCallsPerMinute <= 0 {
		cfg.CloudCallsPerMinute = def.CloudCallsPerMinute
	}
	if cfg.EmptyStreakLimit <= 0 {
		cfg.EmptyStreakLimit = def.EmptyStreakLimit
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ResetLocation == nil {
		cfg.ResetLocation = time.UTC
	}

	l := &Ledger{
		cfg:        cfg,
		sink:       sink,
		circuit:    model.CircuitClosed,
		sources:    make(map[string]*sourceBudget),
		cloudSlots: semaphore.NewWeighted(cfg.CloudSlots),
		localSlots: semaphore.NewWeighted(cfg.LocalSlots),
		cloudPace:  rate.NewLimiter(rate.Limit(cfg.CloudCallsPerMinute/60.0), 1),
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.day = l.currentDay(l.nowFunc())
	return l
}

// currentDay is the single source of truth for the accounting day.
func (l *Ledger) currentDay(now time.Time) string {
	return now.In(l.cfg.ResetLocation).Format("2006-01-02")
}

// CheckAdmission runs the full admission check and, when allowed, reserves
// the estimated tokens and a concurrency slot atomically with the check.
// Two concurrent callers can never both pass against budget only one of
// them fits into. Denials are audited after the locks are dropped so a slow
// sink never stalls admissions for other sources.
func (l *Ledger) CheckAdmission(ctx context.Context, req AdmissionRequest) Admission {
	adm := l.admit(req)
	if !adm.Allowed {
		l.recordEvent(ctx, audit.Event(model.DecisionAdmission, req.SourceSlug, adm.Reason, adm.Metrics))
	}
	return adm
}

func (l *Ledger) admit(req AdmissionRequest) Admission {
	now := l.nowFunc()
	day := l.currentDay(now)

	mult := req.BudgetMultiplier
	if mult <= 0 {
		mult = 1
	}
	sourceCap := int64(float64(l.cfg.SourceDailyTokens) * mult)

	src := l.source(req.SourceSlug)

	// Lock ordering: source first, then global. All paths that take both
	// locks follow this order.
	src.mu.Lock()
	defer src.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeRollLocked(day)
	maybeRollSourceLocked(src, day)

	metrics := map[string]float64{
		"estimated_tokens": float64(req.EstimatedTokens),
		"global_used":      float64(l.globalUsed + l.globalReserved),
		"global_cap":       float64(l.cfg.GlobalDailyTokens),
		"source_used":      float64(src.used + src.reserved),
		"source_cap":       float64(sourceCap),
	}

	deny := func(reason model.ReasonCode) Admission {
		return Admission{Allowed: false, Reason: reason, Metrics: metrics}
	}

	if l.circuit == model.CircuitOpen {
		return deny(model.ReasonCircuitOpen)
	}
	if l.globalUsed+l.globalReserved+req.EstimatedTokens > l.cfg.GlobalDailyTokens {
		return deny(model.ReasonGlobalBudget)
	}
	if src.used+src.reserved+req.EstimatedTokens > sourceCap {
		return deny(model.ReasonSourceBudget)
	}
	if req.EstimatedTokens > l.cfg.MaxEvidenceTokens {
		return deny(model.ReasonEvidenceTooLarge)
	}
	if now.Before(src.cooldownUntil) {
		metrics["cooldown_remaining_secs"] = src.cooldownUntil.Sub(now).Seconds()
		return deny(model.ReasonSourceInCooldown)
	}
	if req.SourcePaused {
		return deny(model.ReasonSourcePaused)
	}

	slots := l.localSlots
	if req.Cloud {
		slots = l.cloudSlots
	}
	if !slots.TryAcquire(1) {
		return deny(model.ReasonNoSlotAvailable)
	}

	src.reserved += req.EstimatedTokens
	l.globalReserved += req.EstimatedTokens

	return Admission{
		Allowed: true,
		Reason:  model.ReasonAdmitted,
		Metrics: metrics,
		Grant: &Grant{
			ledger: l,
			slug:   req.SourceSlug,
			tokens: req.EstimatedTokens,
			cloud:  req.Cloud,
		},
	}
}

// WaitCloudPace blocks until the cloud pacing limiter permits another call.
func (l *Ledger) WaitCloudPace(ctx context.Context) error {
	return l.cloudPace.Wait(ctx)
}

// RecordSpend adds actual token usage for a source outside of any
// reservation. Used for work admitted before a restart or by external
// collaborators; grant holders use Grant.Commit instead.
func (l *Ledger) RecordSpend(slug string, tokensUsed int64) {
	if tokensUsed <= 0 {
		return
	}
	now := l.nowFunc()
	day := l.currentDay(now)
	src := l.source(slug)

	src.mu.Lock()
	defer src.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeRollLocked(day)
	maybeRollSourceLocked(src, day)

	src.used += tokensUsed
	l.globalUsed += tokensUsed
}

// RecordEmptyOutput counts one empty output toward the source's streak and
// starts a cooldown once the streak reaches the limit. Other sources are
// unaffected.
func (l *Ledger) RecordEmptyOutput(ctx context.Context, slug string) {
	now := l.nowFunc()
	src := l.source(slug)

	src.mu.Lock()
	if now.Before(src.cooldownUntil) {
		// An empty outcome inside an active cooldown does not extend it.
		src.mu.Unlock()
		return
	}
	src.emptyStreak++
	streak := src.emptyStreak
	var started bool
	if streak >= l.cfg.EmptyStreakLimit {
		src.cooldownUntil = now.Add(l.cfg.Cooldown)
		src.emptyStreak = 0
		started = true
	}
	src.mu.Unlock()

	if started {
		ev := audit.Event(model.DecisionCooldown, slug, model.ReasonCooldownStarted, map[string]float64{
			"empty_streak":   float64(streak),
			"cooldown_hours": l.cfg.Cooldown.Hours(),
		})
		l.recordEvent(ctx, ev)
	}
}

// RecordProductiveOutput clears the source's empty streak.
func (l *Ledger) RecordProductiveOutput(slug string) {
	src := l.source(slug)
	src.mu.Lock()
	src.emptyStreak = 0
	src.mu.Unlock()
}

// TripCircuit opens the global circuit if the error class is systemic
// (AUTH or QUOTA). Once open, every source is denied until CloseCircuit.
func (l *Ledger) TripCircuit(ctx context.Context, class resilience.ErrorClass) {
	if !class.TripsCircuit() {
		return
	}
	now := l.nowFunc()

	l.mu.Lock()
	already := l.circuit == model.CircuitOpen
	if !already {
		l.circuit = model.CircuitOpen
		l.circuitReason = string(class)
		l.circuitOpenedAt = now
	}
	l.mu.Unlock()

	if !already {
		ev := audit.Event(model.DecisionCircuit, "", model.ReasonCircuitTripped, nil)
		ev.Detail = string(class)
		l.recordEvent(ctx, ev)
	}
}

// CloseCircuit closes the circuit. Operator action only — the ledger never
// closes it on its own.
func (l *Ledger) CloseCircuit(ctx context.Context) {
	l.mu.Lock()
	wasOpen := l.circuit == model.CircuitOpen
	l.circuit = model.CircuitClosed
	l.circuitReason = ""
	l.circuitOpenedAt = time.Time{}
	l.mu.Unlock()

	if wasOpen {
		l.recordEvent(ctx, audit.Event(model.DecisionCircuit, "", model.ReasonCircuitClosed, nil))
	}
}

// CircuitState returns the current circuit state.
func (l *Ledger) CircuitState() model.CircuitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.circuit
}

// Snapshot returns a copy of the current budget state for monitoring and
// persistence.
func (l *Ledger) Snapshot() model.BudgetState {
	now := l.nowFunc()
	day := l.currentDay(now)

	l.srcMu.Lock()
	slugs := make([]string, 0, len(l.sources))
	for slug := range l.sources {
		slugs = append(slugs, slug)
	}
	l.srcMu.Unlock()

	state := model.BudgetState{
		SourceTokensUsed: make(map[string]int64),
		Cooldowns:        make(map[string]time.Time),
		EmptyStreaks:     make(map[string]int),
	}

	for _, slug := range slugs {
		src := l.source(slug)
		src.mu.Lock()
		maybeRollSourceLocked(src, day)
		if src.used > 0 {
			state.SourceTokensUsed[slug] = src.used
		}
		if now.Before(src.cooldownUntil) {
			state.Cooldowns[slug] = src.cooldownUntil
		}
		if src.emptyStreak > 0 {
			state.EmptyStreaks[slug] = src.emptyStreak
		}
		src.mu.Unlock()
	}

	l.mu.Lock()
	l.maybeRollLocked(day)
	state.Day = l.day
	state.GlobalTokensUsed = l.globalUsed
	state.GlobalTokensReserved = l.globalReserved
	state.Circuit = l.circuit
	state.CircuitReason = l.circuitReason
	state.CircuitOpenedAt = l.circuitOpenedAt
	l.mu.Unlock()

	return state
}

// Restore seeds the ledger from a persisted snapshot, used at startup.
// Counters for a different day than the current one are discarded.
func (l *Ledger) Restore(state model.BudgetState) {
	now := l.nowFunc()
	day := l.currentDay(now)

	l.mu.Lock()
	l.circuit = state.Circuit
	if l.circuit == "" {
		l.circuit = model.CircuitClosed
	}
	l.circuitReason = state.CircuitReason
	l.circuitOpenedAt = state.CircuitOpenedAt
	if state.Day == day {
		l.globalUsed = state.GlobalTokensUsed
	}
	l.mu.Unlock()

	for slug, used := range state.SourceTokensUsed {
		src := l.source(slug)
		src.mu.Lock()
		if state.Day == day {
			src.day = day
			src.used = used
		}
		src.mu.Unlock()
	}
	for slug, until := range state.Cooldowns {
		src := l.source(slug)
		src.mu.Lock()
		src.cooldownUntil = until
		src.mu.Unlock()
	}
	for slug, streak := range state.EmptyStreaks {
		src := l.source(slug)
		src.mu.Lock()
		src.emptyStreak = streak
		src.mu.Unlock()
	}
}

func (l *Ledger) source(slug string) *sourceBudget {
	l.srcMu.Lock()
	defer l.srcMu.Unlock()
	src, ok := l.sources[slug]
	if !ok {
		src = &sourceBudget{}
		l.sources[slug] = src
	}
	return src
}

// maybeRollLocked resets global counters on a day change. Caller holds l.mu.
// Idempotent under concurrent access: the day string is the single source
// of truth.
func (l *Ledger) maybeRollLocked(day string) {
	if l.day == day {
		return
	}
	l.day = day
	l.globalUsed = 0
	l.globalReserved = 0
}

// maybeRollSourceLocked resets a source's counters on a day change. Caller
// holds src.mu.
func maybeRollSourceLocked(src *sourceBudget, day string) {
	if src.day == day {
		return
	}
	src.day = day
	src.used = 0
	src.reserved = 0
}

func (l *Ledger) recordEvent(ctx context.Context, ev model.DecisionEvent) {
	if l.sink != nil {
		l.sink.Record(ctx, ev)
	}
}
