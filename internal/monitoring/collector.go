// Package monitoring collects governance metrics and raises operator alerts
// when budget, health, or queue thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fiskala/regtruth/internal/model"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Budget metrics for the current accounting day.
	BudgetDay         string  `json:"budget_day"`
	GlobalTokensUsed  int64   `json:"global_tokens_used"`
	GlobalTokensLimit int64   `json:"global_tokens_limit"`
	GlobalUtilization float64 `json:"global_utilization"`
	CircuitOpen       bool    `json:"circuit_open"`
	CircuitReason     string  `json:"circuit_reason,omitempty"`
	SourcesInCooldown int     `json:"sources_in_cooldown"`

	// Source health distribution.
	SourcesTotal    int `json:"sources_total"`
	SourcesCritical int `json:"sources_critical"`
	SourcesPoor     int `json:"sources_poor"`
	SourcesPaused   int `json:"sources_paused"`

	// Pipeline queues.
	QueueDepths map[string]int `json:"queue_depths"`
	DLQDepth    int            `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HealthLister abstracts the tracker methods needed by the collector.
type HealthLister interface {
	List(ctx context.Context) ([]model.SourceHealth, error)
}

// BudgetSnapshotter abstracts the ledger methods needed by the collector.
type BudgetSnapshotter interface {
	Snapshot() model.BudgetState
}

// QueueDepths reports queue backlog per stage plus the dead-letter depth.
type QueueDepths interface {
	Depth(stage model.Stage) int
}

// DLQDepther reports the dead-letter queue depth.
type DLQDepther interface {
	Depth() int
}

// Collector gathers metrics from the tracker, ledger, and queues.
type Collector struct {
	health            HealthLister
	ledger            BudgetSnapshotter
	queues            QueueDepths
	dlq               DLQDepther
	globalDailyTokens int64
}

// NewCollector creates a metrics collector. queues and dlq may be nil when
// running outside a worker process.
func NewCollector(health HealthLister, ledger BudgetSnapshotter, queues QueueDepths, dlq DLQDepther, globalDailyTokens int64) *Collector {
	return &Collector{
		health:            health,
		ledger:            ledger,
		queues:            queues,
		dlq:               dlq,
		globalDailyTokens: globalDailyTokens,
	}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
		QueueDepths:   map[string]int{},
	}

	state := c.ledger.Snapshot()
	snap.BudgetDay = state.Day
	snap.GlobalTokensUsed = state.GlobalTokensUsed
	snap.GlobalTokensLimit = c.globalDailyTokens
	if c.globalDailyTokens > 0 {
		snap.GlobalUtilization = float64(state.GlobalTokensUsed+state.GlobalTokensReserved) / float64(c.globalDailyTokens)
	}
	snap.CircuitOpen = state.Circuit == model.CircuitOpen
	snap.CircuitReason = state.CircuitReason
	now := time.Now().UTC()
	for _, until := range state.Cooldowns {
		if until.After(now) {
			snap.SourcesInCooldown++
		}
	}

	rows, err := c.health.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list source health")
	}
	snap.SourcesTotal = len(rows)
	for _, r := range rows {
		switch r.HealthState {
		case model.HealthCritical:
			snap.SourcesCritical++
		case model.HealthPoor:
			snap.SourcesPoor++
		}
		if r.IsPaused {
			snap.SourcesPaused++
		}
	}

	if c.queues != nil {
		for _, stage := range model.Stages {
			snap.QueueDepths[string(stage)] = c.queues.Depth(stage)
		}
	}
	if c.dlq != nil {
		snap.DLQDepth = c.dlq.Depth()
	}

	return snap, nil
}
