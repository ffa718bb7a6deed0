package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fiskala/regtruth/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for
// single-node deployments and local development; PostgresStore is the
// production backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Writers serialize through the single connection; SQLite holds a
	// database-level write lock anyway.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_health (
	slug    TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS budget_state (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS decision_events (
	id          TEXT PRIMARY KEY,
	at          DATETIME NOT NULL,
	kind        TEXT NOT NULL,
	source_slug TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL,
	payload     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_events_source ON decision_events(source_slug, at);
CREATE INDEX IF NOT EXISTS idx_decision_events_kind ON decision_events(kind, at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Health() HealthStore    { return (*sqliteHealth)(s) }
func (s *SQLiteStore) Budget() BudgetStore    { return (*sqliteBudget)(s) }
func (s *SQLiteStore) Decisions() DecisionLog { return (*sqliteDecisions)(s) }

type sqliteHealth SQLiteStore

func (s *sqliteHealth) Mutate(ctx context.Context, slug string, fn func(*model.SourceHealth) error) (model.SourceHealth, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SourceHealth{}, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	row := model.SourceHealth{SourceSlug: slug}
	var version int64
	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT payload, version FROM source_health WHERE slug = ?`, slug).
		Scan(&payload, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New source; fn sees the zero row.
	case err != nil:
		return model.SourceHealth{}, eris.Wrapf(err, "sqlite: load health row %s", slug)
	default:
		if err := json.Unmarshal(payload, &row); err != nil {
			return model.SourceHealth{}, eris.Wrapf(err, "sqlite: unmarshal health row %s", slug)
		}
	}

	if err := fn(&row); err != nil {
		return model.SourceHealth{}, err
	}
	row.SourceSlug = slug
	row.Version = version + 1

	out, err := json.Marshal(row)
	if err != nil {
		return model.SourceHealth{}, eris.Wrap(err, "sqlite: marshal health row")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO source_health (slug, payload, version) VALUES (?, ?, ?)
		 ON CONFLICT (slug) DO UPDATE SET payload = excluded.payload, version = excluded.version`,
		slug, string(out), row.Version); err != nil {
		return model.SourceHealth{}, eris.Wrapf(err, "sqlite: write health row %s", slug)
	}
	if err := tx.Commit(); err != nil {
		return model.SourceHealth{}, eris.Wrap(err, "sqlite: commit")
	}
	return row, nil
}

func (s *sqliteHealth) Get(ctx context.Context, slug string) (model.SourceHealth, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM source_health WHERE slug = ?`, slug).
		Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SourceHealth{}, ErrNotFound
	}
	if err != nil {
		return model.SourceHealth{}, eris.Wrapf(err, "sqlite: get health row %s", slug)
	}

	var row model.SourceHealth
	if err := json.Unmarshal(payload, &row); err != nil {
		return model.SourceHealth{}, eris.Wrapf(err, "sqlite: unmarshal health row %s", slug)
	}
	return row, nil
}

func (s *sqliteHealth) List(ctx context.Context) ([]model.SourceHealth, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM source_health ORDER BY slug`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list health rows")
	}
	defer rows.Close()

	var out []model.SourceHealth
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan health row")
		}
		var row model.SourceHealth
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal health row")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type sqliteBudget SQLiteStore

func (s *sqliteBudget) Load(ctx context.Context) (model.BudgetState, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM budget_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BudgetState{}, ErrNotFound
	}
	if err != nil {
		return model.BudgetState{}, eris.Wrap(err, "sqlite: load budget state")
	}

	var state model.BudgetState
	if err := json.Unmarshal(payload, &state); err != nil {
		return model.BudgetState{}, eris.Wrap(err, "sqlite: unmarshal budget state")
	}
	return state, nil
}

func (s *sqliteBudget) Save(ctx context.Context, state model.BudgetState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal budget state")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_state (id, payload, version) VALUES (1, ?, 1)
		 ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, version = budget_state.version + 1`,
		string(payload)); err != nil {
		return eris.Wrap(err, "sqlite: save budget state")
	}
	return nil
}

type sqliteDecisions SQLiteStore

func (s *sqliteDecisions) Append(ctx context.Context, ev model.DecisionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal decision event")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_events (id, at, kind, source_slug, reason, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.At.UTC(), string(ev.Kind), ev.SourceSlug, string(ev.Reason), string(payload)); err != nil {
		return eris.Wrap(err, "sqlite: append decision event")
	}
	return nil
}

func (s *sqliteDecisions) Recent(ctx context.Context, filter DecisionFilter) ([]model.DecisionEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT payload FROM decision_events WHERE 1=1`
	args := []any{}
	if filter.SourceSlug != "" {
		query += ` AND source_slug = ?`
		args = append(args, filter.SourceSlug)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		query += ` AND at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query decision events")
	}
	defer rows.Close()

	var out []model.DecisionEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision event")
		}
		var ev model.DecisionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal decision event")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
