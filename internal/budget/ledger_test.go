package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskala/regtruth/internal/model"
	"github.com/fiskala/regtruth/internal/resilience"
)

// recSink captures decision events for assertions.
type recSink struct {
	mu     sync.Mutex
	events []model.DecisionEvent
}

func (r *recSink) Record(_ context.Context, ev model.DecisionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recSink) reasons() []model.ReasonCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ReasonCode, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Reason)
	}
	return out
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T, cfg Config) (*Ledger, *recSink, *testClock) {
	t.Helper()
	sink := &recSink{}
	clock := newTestClock(time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	return NewLedger(cfg, sink, WithClock(clock.Now)), sink, clock
}

func admit(l *Ledger, slug string, tokens int64) Admission {
	return l.CheckAdmission(context.Background(), AdmissionRequest{
		SourceSlug:      slug,
		EstimatedTokens: tokens,
	})
}

func TestAdmissionGlobalCapBoundary(t *testing.T) {
	l, _, _ := newLedger(t, Config{GlobalDailyTokens: 1000, SourceDailyTokens: 1000, MaxEvidenceTokens: 1000})

	// A request that exactly fills the cap is admitted.
	adm := admit(l, "porezna-uprava", 1000)
	require.True(t, adm.Allowed)
	require.NotNil(t, adm.Grant)

	// The next token over the cap is denied while the reservation stands.
	denied := admit(l, "fina", 1)
	assert.False(t, denied.Allowed)
	assert.Equal(t, model.ReasonGlobalBudget, denied.Reason)

	// Committing less than the estimate frees the difference.
	adm.Grant.Commit(400)
	again := admit(l, "fina", 600)
	assert.True(t, again.Allowed)
	again.Grant.Release()
}

// blockingSink stalls inside Record until released, standing in for a slow
// store-backed sink.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Record(context.Context, model.DecisionEvent) {
	s.entered <- struct{}{}
	<-s.release
}

func TestSlowSinkDoesNotStallOtherAdmissions(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	l := NewLedger(Config{GlobalDailyTokens: 10_000, SourceDailyTokens: 10_000, MaxEvidenceTokens: 10_000}, sink)

	done := make(chan Admission, 1)
	go func() {
		done <- l.CheckAdmission(context.Background(), AdmissionRequest{
			SourceSlug:      "slow-source",
			EstimatedTokens: 100,
			SourcePaused:    true,
		})
	}()

	// The denial is being recorded and the sink is holding it open. Other
	// sources must still get through the ledger.
	<-sink.entered
	adm := admit(l, "fina", 100)
	require.True(t, adm.Allowed)
	adm.Grant.Release()

	close(sink.release)
	denied := <-done
	assert.False(t, denied.Allowed)
	assert.Equal(t, model.ReasonSourcePaused, denied.Reason)
}

func TestAdmissionSourceCapScaledByMultiplier(t *testing.T) {
	l, _, _ := newLedger(t, Config{GlobalDailyTokens: 100_000, SourceDailyTokens: 1000, MaxEvidenceTokens: 100_000})

	adm := l.CheckAdmission(context.Background(), AdmissionRequest{
		SourceSlug:       "porezna-uprava",
		EstimatedTokens:  600,
		BudgetMultiplier: 0.5,
	})
	assert.False(t, adm.Allowed)
	assert.Equal(t, model.ReasonSourceBudget, adm.Reason)

	boosted := l.CheckAdmission(context.Background(), AdmissionRequest{
		SourceSlug:       "porezna-uprava",
		EstimatedTokens:  1400,
		BudgetMultiplier: 1.5,
	})
	require.True(t, boosted.Allowed)
	boosted.Grant.Release()
}

func TestAdmissionEvidenceTooLarge(t *testing.T) {
	l, _, _ := newLedger(t, Config{GlobalDailyTokens: 100_000, SourceDailyTokens: 10_000, MaxEvidenceTokens: 500})

	adm := admit(l, "porezna-uprava", 600)
	assert.False(t, adm.Allowed)
	assert.Equal(t, model.ReasonEvidenceTooLarge, adm.Reason)
}

func TestAdmissionPausedSource(t *testing.T) {
	l, _, _ := newLedger(t, Config{})

	adm := l.CheckAdmission(context.Background(), AdmissionRequest{
		SourceSlug:      "porezna-uprava",
		EstimatedTokens: 100,
		SourcePaused:    true,
	})
	assert.False(t, adm.Allowed)
	assert.Equal(t, model.ReasonSourcePaused, adm.Reason)
}

func TestConcurrentAdmissionSingleWinner(t *testing.T) {
	l, _, _ := newLedger(t, Config{GlobalDailyTokens: 1000, SourceDailyTokens: 1000, MaxEvidenceTokens: 1000, LocalSlots: 64})

	const n = 32
	var wg sync.WaitGroup
	allowed := make(chan Admission, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if adm := admit(l, "porezna-uprava", 600); adm.Allowed {
				allowed <- adm
			}
		}()
	}
	wg.Wait()
	close(allowed)

	// Only one 600-token reservation fits a 1000-token budget.
	var winners []Admission
	for adm := range allowed {
		winners = append(winners, adm)
	}
	require.Len(t, winners, 1)
	winners[0].Grant.Release()
}

func TestCooldownAfterEmptyStreak(t *testing.T) {
	l, sink, clock := newLedger(t, Config{EmptyStreakLimit: 3, Cooldown: 6 * time.Hour})
	ctx := context.Background()

	l.RecordEmptyOutput(ctx, "porezna-uprava")
	l.RecordEmptyOutput(ctx, "porezna-uprava")
	require.True(t, admit(l, "porezna-uprava", 100).Allowed)

	l.RecordEmptyOutput(ctx, "porezna-uprava")

	denied := admit(l, "porezna-uprava", 100)
	assert.False(t, denied.Allowed)
	assert.Equal(t, model.ReasonSourceInCooldown, denied.Reason)
	assert.Contains(t, sink.reasons(), model.ReasonCooldownStarted)

	// Unrelated sources keep being admitted.
	other := admit(l, "fina", 100)
	require.True(t, other.Allowed)
	other.Grant.Release()

	// An empty outcome during the cooldown does not extend it.
	before := l.Snapshot().Cooldowns["porezna-uprava"]
	clock.Advance(time.Hour)
	l.RecordEmptyOutput(ctx, "porezna-uprava")
	assert.Equal(t, before, l.Snapshot().Cooldowns["porezna-uprava"])

	// The cooldown expires on schedule.
	clock.Advance(6 * time.Hour)
	after := admit(l, "porezna-uprava", 100)
	require.True(t, after.Allowed)
	after.Grant.Release()
}

func TestProductiveOutputResetsStreak(t *testing.T) {
	l, _, _ := newLedger(t, Config{EmptyStreakLimit: 3})
	ctx := context.Background()

	l.RecordEmptyOutput(ctx, "porezna-uprava")
	l.RecordEmptyOutput(ctx, "porezna-uprava")
	l.RecordProductiveOutput("porezna-uprava")
	l.RecordEmptyOutput(ctx, "porezna-uprava")
	l.RecordEmptyOutput(ctx, "porezna-uprava")

	// Streak never reached the limit, so no cooldown.
	assert.True(t, admit(l, "porezna-uprava", 100).Allowed)
}

func TestCircuitTripsOnSystemicErrorsOnly(t *testing.T) {
	l, sink, _ := newLedger(t, Config{})
	ctx := context.Background()

	// Transient and validation failures never open the circuit.
	l.TripCircuit(ctx, resilience.ClassTransient)
	l.TripCircuit(ctx, resilience.ClassValidation)
	l.TripCircuit(ctx, resilience.ClassContent)
	assert.Equal(t, model.CircuitClosed, l.CircuitState())

	l.TripCircuit(ctx, resilience.ClassAuth)
	assert.Equal(t, model.CircuitOpen, l.CircuitState())

	// Every source is denied, including ones that never failed.
	for _, slug := range []string{"porezna-uprava", "fina", "narodne-novine"} {
		adm := admit(l, slug, 100)
		assert.False(t, adm.Allowed)
		assert.Equal(t, model.ReasonCircuitOpen, adm.Reason)
	}

	// Tripping again is a no-op: exactly one tripped event.
	l.TripCircuit(ctx, resilience.ClassQuota)
	tripped := 0
	for _, reason := range sink.reasons() {
		if reason == model.ReasonCircuitTripped {
			tripped++
		}
	}
	assert.Equal(t, 1, tripped)

	// Only the operator closes it.
	l.CloseCircuit(ctx)
	assert.Equal(t, model.CircuitClosed, l.CircuitState())
	adm := admit(l, "porezna-uprava", 100)
	require.True(t, adm.Allowed)
	adm.Grant.Release()
	assert.Contains(t, sink.reasons(), model.ReasonCircuitClosed)
}

func TestSlotExhaustion(t *testing.T) {
	l, _, _ := newLedger(t, Config{CloudSlots: 1, LocalSlots: 1})
	ctx := context.Background()

	first := l.CheckAdmission(ctx, AdmissionRequest{SourceSlug: "a", EstimatedTokens: 10, Cloud: true})
	require.True(t, first.Allowed)

	second := l.CheckAdmission(ctx, AdmissionRequest{SourceSlug: "b", EstimatedTokens: 10, Cloud: true})
	assert.False(t, second.Allowed)
	assert.Equal(t, model.ReasonNoSlotAvailable, second.Reason)

	// Local slots are a separate pool.
	local := l.CheckAdmission(ctx, AdmissionRequest{SourceSlug: "b", EstimatedTokens: 10})
	require.True(t, local.Allowed)
	local.Grant.Release()

	first.Grant.Release()
	third := l.CheckAdmission(ctx, AdmissionRequest{SourceSlug: "b", EstimatedTokens: 10, Cloud: true})
	require.True(t, third.Allowed)
	third.Grant.Release()
}

func TestDailyRollover(t *testing.T) {
	l, _, clock := newLedger(t, Config{GlobalDailyTokens: 1000, SourceDailyTokens: 1000, MaxEvidenceTokens: 1000})

	adm := admit(l, "porezna-uprava", 800)
	require.True(t, adm.Allowed)
	adm.Grant.Commit(800)

	assert.False(t, admit(l, "porezna-uprava", 300).Allowed)

	// Past midnight the counters reset; repeated reads stay reset.
	clock.Advance(24 * time.Hour)
	snap := l.Snapshot()
	assert.Zero(t, snap.GlobalTokensUsed)
	assert.Empty(t, snap.SourceTokensUsed)

	again := admit(l, "porezna-uprava", 1000)
	require.True(t, again.Allowed)
	again.Grant.Release()

	snap2 := l.Snapshot()
	assert.Equal(t, snap.Day, snap2.Day)
}

func TestGrantCommitReconcilesEstimate(t *testing.T) {
	l, _, _ := newLedger(t, Config{GlobalDailyTokens: 10_000, SourceDailyTokens: 10_000, MaxEvidenceTokens: 10_000})

	adm := admit(l, "porezna-uprava", 1000)
	require.True(t, adm.Allowed)

	snap := l.Snapshot()
	assert.Equal(t, int64(1000), snap.GlobalTokensReserved)

	adm.Grant.Commit(350)
	snap = l.Snapshot()
	assert.Equal(t, int64(350), snap.GlobalTokensUsed)
	assert.Zero(t, snap.GlobalTokensReserved)
	assert.Equal(t, int64(350), snap.SourceTokensUsed["porezna-uprava"])

	// A second settle attempt is a no-op.
	adm.Grant.Release()
	snap = l.Snapshot()
	assert.Equal(t, int64(350), snap.GlobalTokensUsed)
}

func TestGrantReleaseDropsReservation(t *testing.T) {
	l, _, _ := newLedger(t, Config{GlobalDailyTokens: 10_000})

	adm := admit(l, "porezna-uprava", 1000)
	require.True(t, adm.Allowed)
	adm.Grant.Release()

	snap := l.Snapshot()
	assert.Zero(t, snap.GlobalTokensUsed)
	assert.Zero(t, snap.GlobalTokensReserved)
}

func TestRestoreSameDayOnly(t *testing.T) {
	l, _, _ := newLedger(t, Config{GlobalDailyTokens: 10_000})

	l.Restore(model.BudgetState{
		Day:              "2026-08-30",
		GlobalTokensUsed: 4000,
		SourceTokensUsed: map[string]int64{"porezna-uprava": 4000},
		Circuit:          model.CircuitOpen,
		CircuitReason:    "QUOTA",
	})
	snap := l.Snapshot()
	assert.Equal(t, int64(4000), snap.GlobalTokensUsed)
	assert.Equal(t, model.CircuitOpen, snap.Circuit)

	// A stale snapshot contributes no counters, but the circuit state
	// survives: it is operator-scoped, not day-scoped.
	l2, _, _ := newLedger(t, Config{GlobalDailyTokens: 10_000})
	l2.Restore(model.BudgetState{
		Day:              "2026-08-29",
		GlobalTokensUsed: 4000,
		Circuit:          model.CircuitOpen,
		CircuitReason:    "AUTH",
	})
	snap2 := l2.Snapshot()
	assert.Zero(t, snap2.GlobalTokensUsed)
	assert.Equal(t, model.CircuitOpen, snap2.Circuit)
}

func TestDenialsAreAudited(t *testing.T) {
	l, sink, _ := newLedger(t, Config{GlobalDailyTokens: 100, SourceDailyTokens: 100, MaxEvidenceTokens: 100})

	admit(l, "porezna-uprava", 500)
	reasons := sink.reasons()
	require.Len(t, reasons, 1)
	assert.Equal(t, model.ReasonGlobalBudget, reasons[0])

	// Allowed admissions are not audited as admission events.
	adm := admit(l, "porezna-uprava", 50)
	require.True(t, adm.Allowed)
	adm.Grant.Release()
	assert.Len(t, sink.reasons(), 1)
}
