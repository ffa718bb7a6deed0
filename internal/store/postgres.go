package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fiskala/regtruth/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool. Health and budget rows are
// stored as JSONB payloads with an optimistic version column; Mutate is a
// compare-and-swap loop over that version.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// casMaxRetries bounds the Mutate CAS loop. Conflicts are rare (per-source
// writers mostly serialize upstream), so a small budget suffices.
const casMaxRetries = 5

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_health (
	slug    TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS budget_state (
	id      INT PRIMARY KEY CHECK (id = 1),
	payload JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS decision_events (
	id          TEXT PRIMARY KEY,
	at          TIMESTAMPTZ NOT NULL,
	kind        TEXT NOT NULL,
	source_slug TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL,
	payload     JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_events_source ON decision_events (source_slug, at DESC);
CREATE INDEX IF NOT EXISTS idx_decision_events_kind ON decision_events (kind, at DESC);
`

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Health() HealthStore    { return (*pgHealth)(s) }
func (s *PostgresStore) Budget() BudgetStore    { return (*pgBudget)(s) }
func (s *PostgresStore) Decisions() DecisionLog { return (*pgDecisions)(s) }

type pgHealth PostgresStore

func (p *pgHealth) Mutate(ctx context.Context, slug string, fn func(*model.SourceHealth) error) (model.SourceHealth, error) {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		row, version, err := p.load(ctx, slug)
		if err != nil {
			return model.SourceHealth{}, err
		}

		if err := fn(&row); err != nil {
			return model.SourceHealth{}, err
		}
		row.SourceSlug = slug
		row.Version = version + 1

		payload, err := json.Marshal(row)
		if err != nil {
			return model.SourceHealth{}, eris.Wrap(err, "postgres: marshal health row")
		}

		tag, err := p.pool.Exec(ctx,
			`INSERT INTO source_health (slug, payload, version) VALUES ($1, $2, $3)
			 ON CONFLICT (slug) DO UPDATE SET payload = $2, version = $3
			 WHERE source_health.version = $4`,
			slug, payload, row.Version, version)
		if err != nil {
			return model.SourceHealth{}, eris.Wrapf(err, "postgres: write health row %s", slug)
		}
		if tag.RowsAffected() == 1 {
			return row, nil
		}
		// Version moved underneath us; reload and retry.
	}
	return model.SourceHealth{}, eris.Wrapf(ErrVersionConflict, "postgres: health row %s", slug)
}

func (p *pgHealth) load(ctx context.Context, slug string) (model.SourceHealth, int64, error) {
	var payload []byte
	var version int64
	err := p.pool.QueryRow(ctx,
		`SELECT payload, version FROM source_health WHERE slug = $1`, slug).
		Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SourceHealth{SourceSlug: slug}, 0, nil
	}
	if err != nil {
		return model.SourceHealth{}, 0, eris.Wrapf(err, "postgres: load health row %s", slug)
	}

	var row model.SourceHealth
	if err := json.Unmarshal(payload, &row); err != nil {
		return model.SourceHealth{}, 0, eris.Wrapf(err, "postgres: unmarshal health row %s", slug)
	}
	return row, version, nil
}

func (p *pgHealth) Get(ctx context.Context, slug string) (model.SourceHealth, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM source_health WHERE slug = $1`, slug).
		Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SourceHealth{}, ErrNotFound
	}
	if err != nil {
		return model.SourceHealth{}, eris.Wrapf(err, "postgres: get health row %s", slug)
	}

	var row model.SourceHealth
	if err := json.Unmarshal(payload, &row); err != nil {
		return model.SourceHealth{}, eris.Wrapf(err, "postgres: unmarshal health row %s", slug)
	}
	return row, nil
}

func (p *pgHealth) List(ctx context.Context) ([]model.SourceHealth, error) {
	rows, err := p.pool.Query(ctx, `SELECT payload FROM source_health ORDER BY slug`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list health rows")
	}
	defer rows.Close()

	var out []model.SourceHealth
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan health row")
		}
		var row model.SourceHealth
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal health row")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type pgBudget PostgresStore

func (p *pgBudget) Load(ctx context.Context) (model.BudgetState, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM budget_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BudgetState{}, ErrNotFound
	}
	if err != nil {
		return model.BudgetState{}, eris.Wrap(err, "postgres: load budget state")
	}

	var state model.BudgetState
	if err := json.Unmarshal(payload, &state); err != nil {
		return model.BudgetState{}, eris.Wrap(err, "postgres: unmarshal budget state")
	}
	return state, nil
}

func (p *pgBudget) Save(ctx context.Context, state model.BudgetState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal budget state")
	}
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO budget_state (id, payload, version) VALUES (1, $1, 1)
		 ON CONFLICT (id) DO UPDATE SET payload = $1, version = budget_state.version + 1`,
		payload); err != nil {
		return eris.Wrap(err, "postgres: save budget state")
	}
	return nil
}

type pgDecisions PostgresStore

func (p *pgDecisions) Append(ctx context.Context, ev model.DecisionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal decision event")
	}
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO decision_events (id, at, kind, source_slug, reason, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.At, string(ev.Kind), ev.SourceSlug, string(ev.Reason), payload); err != nil {
		return eris.Wrap(err, "postgres: append decision event")
	}
	return nil
}

func (p *pgDecisions) Recent(ctx context.Context, filter DecisionFilter) ([]model.DecisionEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx,
		`SELECT payload FROM decision_events
		 WHERE ($1 = '' OR source_slug = $1)
		   AND ($2 = '' OR kind = $2)
		   AND ($3::timestamptz IS NULL OR at >= $3)
		 ORDER BY at DESC LIMIT $4`,
		filter.SourceSlug, string(filter.Kind), nullableTime(filter.Since), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query decision events")
	}
	defer rows.Close()

	var out []model.DecisionEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision event")
		}
		var ev model.DecisionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal decision event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
