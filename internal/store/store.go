// Package store persists the governance state: source health rows, the
// budget snapshot, and the append-only decision log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fiskala/regtruth/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrVersionConflict signals an optimistic-concurrency conflict on write.
// Mutate implementations retry it internally; it escapes only when the
// retry budget is exhausted.
var ErrVersionConflict = eris.New("store: version conflict")

// HealthStore holds one SourceHealth row per source with serialized
// per-source read-modify-write.
type HealthStore interface {
	// Mutate runs fn over the current row (creating a zero row with the
	// slug set when absent) and persists the result atomically. Concurrent
	// mutations for the same slug serialize; different slugs do not block
	// each other.
	Mutate(ctx context.Context, slug string, fn func(*model.SourceHealth) error) (model.SourceHealth, error)
	Get(ctx context.Context, slug string) (model.SourceHealth, error)
	List(ctx context.Context) ([]model.SourceHealth, error)
}

// BudgetStore persists the ledger snapshot across restarts.
type BudgetStore interface {
	Load(ctx context.Context) (model.BudgetState, error)
	Save(ctx context.Context, state model.BudgetState) error
}

// DecisionFilter narrows decision log queries.
type DecisionFilter struct {
	SourceSlug string
	Kind       model.DecisionKind
	Since      time.Time
	Limit      int
}

// DecisionLog is the append-only audit trail.
type DecisionLog interface {
	Append(ctx context.Context, ev model.DecisionEvent) error
	Recent(ctx context.Context, filter DecisionFilter) ([]model.DecisionEvent, error)
}

// Store bundles the persistence surfaces plus lifecycle.
type Store interface {
	Health() HealthStore
	Budget() BudgetStore
	Decisions() DecisionLog
	Migrate(ctx context.Context) error
	Close() error
}
