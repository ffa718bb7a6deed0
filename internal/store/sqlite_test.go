package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskala/regtruth/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "regtruth.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestSQLiteHealthMutateAndGet(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	row, err := s.Health().Mutate(ctx, "porezna-uprava", func(h *model.SourceHealth) error {
		h.HealthState = model.HealthFair
		h.HealthScore = 0.5
		h.Counters.TotalAttempts = 4
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version)

	got, err := s.Health().Get(ctx, "porezna-uprava")
	require.NoError(t, err)
	assert.Equal(t, model.HealthFair, got.HealthState)
	assert.InDelta(t, 0.5, got.HealthScore, 1e-9)
	assert.Equal(t, int64(4), got.Counters.TotalAttempts)

	// Second mutation bumps the version and sees the stored state.
	row, err = s.Health().Mutate(ctx, "porezna-uprava", func(h *model.SourceHealth) error {
		require.Equal(t, model.HealthFair, h.HealthState)
		h.HealthState = model.HealthGood
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Version)
}

func TestSQLiteHealthGetNotFound(t *testing.T) {
	s := newSQLiteStore(t)

	_, err := s.Health().Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteHealthList(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for _, slug := range []string{"fina", "porezna-uprava", "narodne-novine"} {
		_, err := s.Health().Mutate(ctx, slug, func(h *model.SourceHealth) error {
			h.HealthState = model.HealthFair
			return nil
		})
		require.NoError(t, err)
	}

	rows, err := s.Health().List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "fina", rows[0].SourceSlug)
	assert.Equal(t, "porezna-uprava", rows[2].SourceSlug)
}

func TestSQLiteBudgetRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.Budget().Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	state := model.BudgetState{
		Day:              "2026-08-30",
		GlobalTokensUsed: 42_000,
		SourceTokensUsed: map[string]int64{"porezna-uprava": 30_000, "fina": 12_000},
		Circuit:          model.CircuitClosed,
	}
	require.NoError(t, s.Budget().Save(ctx, state))

	got, err := s.Budget().Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.Day, got.Day)
	assert.Equal(t, state.GlobalTokensUsed, got.GlobalTokensUsed)
	assert.Equal(t, state.SourceTokensUsed, got.SourceTokensUsed)
}

func TestSQLiteDecisionsRecentFilters(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	events := []model.DecisionEvent{
		{Kind: model.DecisionAdmission, SourceSlug: "porezna-uprava", Reason: model.ReasonGlobalBudget, At: base},
		{Kind: model.DecisionHealth, SourceSlug: "porezna-uprava", Reason: model.ReasonStateDowngrade, At: base.Add(time.Minute)},
		{Kind: model.DecisionAdmission, SourceSlug: "fina", Reason: model.ReasonAdmitted, At: base.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		ev.ID = uuid.NewString()
		require.NoError(t, s.Decisions().Append(ctx, ev))
	}

	bySource, err := s.Decisions().Recent(ctx, DecisionFilter{SourceSlug: "porezna-uprava"})
	require.NoError(t, err)
	require.Len(t, bySource, 2)
	// Newest first.
	assert.Equal(t, model.DecisionHealth, bySource[0].Kind)

	byKind, err := s.Decisions().Recent(ctx, DecisionFilter{Kind: model.DecisionAdmission, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byKind, 2)

	since, err := s.Decisions().Recent(ctx, DecisionFilter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "fina", since[0].SourceSlug)
}
