package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskala/regtruth/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresHealthMutateCreatesRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT payload, version FROM source_health`).
		WithArgs("porezna-uprava").
		WillReturnError(pgx.ErrNoRows)

	mock.ExpectExec(`INSERT INTO source_health`).
		WithArgs("porezna-uprava", pgxmock.AnyArg(), int64(1), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	row, err := s.Health().Mutate(context.Background(), "porezna-uprava", func(h *model.SourceHealth) error {
		h.HealthState = model.HealthGood
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "porezna-uprava", row.SourceSlug)
	assert.Equal(t, model.HealthGood, row.HealthState)
	assert.Equal(t, int64(1), row.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHealthMutateRetriesOnVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)

	stored := model.SourceHealth{SourceSlug: "fina", HealthState: model.HealthFair}
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	// First round loses the CAS race, second round wins.
	mock.ExpectQuery(`SELECT payload, version FROM source_health`).
		WithArgs("fina").
		WillReturnRows(pgxmock.NewRows([]string{"payload", "version"}).AddRow(payload, int64(3)))
	mock.ExpectExec(`INSERT INTO source_health`).
		WithArgs("fina", pgxmock.AnyArg(), int64(4), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	mock.ExpectQuery(`SELECT payload, version FROM source_health`).
		WithArgs("fina").
		WillReturnRows(pgxmock.NewRows([]string{"payload", "version"}).AddRow(payload, int64(4)))
	mock.ExpectExec(`INSERT INTO source_health`).
		WithArgs("fina", pgxmock.AnyArg(), int64(5), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	row, err := s.Health().Mutate(context.Background(), "fina", func(h *model.SourceHealth) error {
		h.HealthState = model.HealthGood
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), row.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHealthGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT payload FROM source_health`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Health().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBudgetRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)

	state := model.BudgetState{
		Day:              "2026-08-30",
		GlobalTokensUsed: 1200,
		SourceTokensUsed: map[string]int64{"porezna-uprava": 1200},
	}
	payload, err := json.Marshal(state)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO budget_state`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT payload FROM budget_state`).
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	require.NoError(t, s.Budget().Save(context.Background(), state))

	got, err := s.Budget().Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.Day, got.Day)
	assert.Equal(t, state.GlobalTokensUsed, got.GlobalTokensUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDecisionsAppend(t *testing.T) {
	s, mock := newMockStore(t)

	ev := model.DecisionEvent{
		ID:         "evt-1",
		At:         time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		Kind:       model.DecisionAdmission,
		SourceSlug: "porezna-uprava",
		Reason:     model.ReasonGlobalBudget,
	}

	mock.ExpectExec(`INSERT INTO decision_events`).
		WithArgs(ev.ID, ev.At, string(ev.Kind), ev.SourceSlug, string(ev.Reason), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Decisions().Append(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}
