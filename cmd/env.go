package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/audit"
	"github.com/fiskala/regtruth/internal/budget"
	"github.com/fiskala/regtruth/internal/config"
	"github.com/fiskala/regtruth/internal/health"
	"github.com/fiskala/regtruth/internal/outcome"
	"github.com/fiskala/regtruth/internal/store"
)

// govEnv holds the initialized governance components shared by the serve,
// worker, status, source and circuit commands.
type govEnv struct {
	Store    store.Store
	Sink     audit.Sink
	Tracker  *health.Tracker
	Ledger   *budget.Ledger
	Recorder *outcome.Recorder
}

// Close flushes the budget snapshot and releases the store.
func (e *govEnv) Close() {
	if e.Ledger != nil && e.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Store.Budget().Save(ctx, e.Ledger.Snapshot()); err != nil {
			zap.L().Error("save budget snapshot", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore builds the configured persistence backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initGovernance sets up the store, audit sink, tracker, ledger, and
// recorder. Callers should defer env.Close().
func initGovernance(ctx context.Context) (*govEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	sink := audit.Fanout{audit.LogSink{}, audit.NewStoreSink(st.Decisions())}

	tracker := health.NewTracker(st.Health(), sink, healthConfig(cfg.Health))

	ledgerCfg, err := budgetConfig(cfg.Budget)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	ledger := budget.NewLedger(ledgerCfg, sink)

	// Pick up today's spend from a previous process; other-day snapshots
	// are discarded by Restore.
	state, err := st.Budget().Load(ctx)
	switch {
	case err == nil:
		ledger.Restore(state)
	case eris.Is(err, store.ErrNotFound):
		// First run.
	default:
		_ = st.Close()
		return nil, eris.Wrap(err, "load budget snapshot")
	}

	return &govEnv{
		Store:    st,
		Sink:     sink,
		Tracker:  tracker,
		Ledger:   ledger,
		Recorder: outcome.NewRecorder(ledger, tracker),
	}, nil
}

func healthConfig(c config.HealthConfig) health.Config {
	return health.Config{
		Window:              time.Duration(c.WindowDays) * 24 * time.Hour,
		PauseScoreFloor:     c.PauseScoreFloor,
		AutoPauseDuration:   time.Duration(c.AutoPauseHours) * time.Hour,
		CriticalDwell:       time.Duration(c.CriticalDwellHours) * time.Hour,
		PoorDwell:           time.Duration(c.PoorDwellHours) * time.Hour,
		StarvationPerWindow: c.StarvationPerWindow,
		StarvationSpacing:   time.Duration(c.StarvationSpacingHrs) * time.Hour,
	}
}

func budgetConfig(c config.BudgetConfig) (budget.Config, error) {
	loc, err := time.LoadLocation(c.ResetTimezone)
	if err != nil {
		return budget.Config{}, eris.Wrapf(err, "parse reset timezone %q", c.ResetTimezone)
	}
	return budget.Config{
		GlobalDailyTokens:   c.GlobalDailyTokens,
		SourceDailyTokens:   c.SourceDailyTokens,
		MaxEvidenceTokens:   c.MaxEvidenceTokens,
		CloudSlots:          c.CloudSlots,
		LocalSlots:          c.LocalSlots,
		CloudCallsPerMinute: c.CloudCallsPerMinute,
		EmptyStreakLimit:    c.EmptyStreakLimit,
		Cooldown:            c.Cooldown(),
		ResetLocation:       loc,
	}, nil
}
