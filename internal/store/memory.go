package store

import (
	"context"
	"sync"

	"github.com/fiskala/regtruth/internal/model"
)

// MemoryStore is the in-process implementation used in tests and as the
// hot-path state when no database is configured. Per-source locking keeps
// unrelated sources from serializing on each other.
type MemoryStore struct {
	health    *memoryHealth
	budget    *memoryBudget
	decisions *memoryDecisions
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		health:    &memoryHealth{rows: make(map[string]*healthEntry)},
		budget:    &memoryBudget{},
		decisions: &memoryDecisions{},
	}
}

func (s *MemoryStore) Health() HealthStore           { return s.health }
func (s *MemoryStore) Budget() BudgetStore           { return s.budget }
func (s *MemoryStore) Decisions() DecisionLog        { return s.decisions }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

type healthEntry struct {
	mu  sync.Mutex
	row model.SourceHealth
}

type memoryHealth struct {
	mu   sync.RWMutex
	rows map[string]*healthEntry
}

func (m *memoryHealth) entry(slug string) *healthEntry {
	m.mu.RLock()
	e, ok := m.rows[slug]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.rows[slug]; ok {
		return e
	}
	e = &healthEntry{row: model.SourceHealth{SourceSlug: slug}}
	m.rows[slug] = e
	return e
}

func (m *memoryHealth) Mutate(_ context.Context, slug string, fn func(*model.SourceHealth) error) (model.SourceHealth, error) {
	e := m.entry(slug)
	e.mu.Lock()
	defer e.mu.Unlock()

	row := e.row // work on a copy so a failed fn leaves the row untouched
	if err := fn(&row); err != nil {
		return model.SourceHealth{}, err
	}
	row.Version++
	e.row = row
	return row, nil
}

func (m *memoryHealth) Get(_ context.Context, slug string) (model.SourceHealth, error) {
	m.mu.RLock()
	e, ok := m.rows[slug]
	m.mu.RUnlock()
	if !ok {
		return model.SourceHealth{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.row, nil
}

func (m *memoryHealth) List(_ context.Context) ([]model.SourceHealth, error) {
	m.mu.RLock()
	entries := make([]*healthEntry, 0, len(m.rows))
	for _, e := range m.rows {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	rows := make([]model.SourceHealth, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rows = append(rows, e.row)
		e.mu.Unlock()
	}
	return rows, nil
}

type memoryBudget struct {
	mu    sync.Mutex
	state model.BudgetState
	set   bool
}

func (m *memoryBudget) Load(context.Context) (model.BudgetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return model.BudgetState{}, ErrNotFound
	}
	return m.state, nil
}

func (m *memoryBudget) Save(_ context.Context, state model.BudgetState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.Version = m.state.Version + 1
	m.state = state
	m.set = true
	return nil
}

type memoryDecisions struct {
	mu     sync.Mutex
	events []model.DecisionEvent
}

func (m *memoryDecisions) Append(_ context.Context, ev model.DecisionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryDecisions) Recent(_ context.Context, filter DecisionFilter) ([]model.DecisionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.DecisionEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if filter.SourceSlug != "" && ev.SourceSlug != filter.SourceSlug {
			continue
		}
		if filter.Kind != "" && ev.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && ev.At.Before(filter.Since) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
