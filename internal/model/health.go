package model

import "time"

// HealthState is the discretized health tier of a source. Severity ordering
// is EXCELLENT > GOOD > FAIR > POOR > CRITICAL.
type HealthState string

const (
	HealthExcellent HealthState = "EXCELLENT"
	HealthGood      HealthState = "GOOD"
	HealthFair      HealthState = "FAIR"
	HealthPoor      HealthState = "POOR"
	HealthCritical  HealthState = "CRITICAL"
)

// healthRank maps states onto an integer scale, best first. Used for the
// stepwise transition constraint.
var healthRank = map[HealthState]int{
	HealthExcellent: 4,
	HealthGood:      3,
	HealthFair:      2,
	HealthPoor:      1,
	HealthCritical:  0,
}

// Rank returns the severity rank of a state (higher is healthier).
// Unknown states rank as CRITICAL.
func (s HealthState) Rank() int {
	return healthRank[s]
}

// WindowCounters are the rolling-window outcome counters for one source.
// They age out by window recomputation, not by per-event eviction.
type WindowCounters struct {
	TotalAttempts      int64 `json:"total_attempts"`
	SuccessCount       int64 `json:"success_count"`
	EmptyCount         int64 `json:"empty_count"`
	ErrorCount         int64 `json:"error_count"`
	TotalTokensUsed    int64 `json:"total_tokens_used"`
	TotalItemsProduced int64 `json:"total_items_produced"`
}

// SourceHealth is the continuously-updated control row for one source.
// healthState is always derived from healthScore through the state machine;
// it is never written independently.
type SourceHealth struct {
	SourceSlug      string         `json:"source_slug"`
	WindowStartedAt time.Time      `json:"window_started_at"`
	Counters        WindowCounters `json:"counters"`

	HealthScore          float64     `json:"health_score"`
	HealthState          HealthState `json:"health_state"`
	HealthStateEnteredAt time.Time   `json:"health_state_entered_at"`

	IsPaused       bool      `json:"is_paused"`
	PauseReason    string    `json:"pause_reason,omitempty"`
	PauseManual    bool      `json:"pause_manual,omitempty"`
	PauseExpiresAt time.Time `json:"pause_expires_at,omitempty"`

	// Adaptive policy derived from the current state.
	MinScoutScore    float64 `json:"min_scout_score"`
	AllowCloud       bool    `json:"allow_cloud"`
	BudgetMultiplier float64 `json:"budget_multiplier"`

	// Starvation allowance bookkeeping, scoped to the current window.
	TrialGrants int       `json:"trial_grants"`
	LastTrialAt time.Time `json:"last_trial_at,omitempty"`

	// Decision audit trail.
	LastDecisionReason  ReasonCode         `json:"last_decision_reason,omitempty"`
	LastDecisionAt      time.Time          `json:"last_decision_at,omitempty"`
	LastDecisionDetails map[string]float64 `json:"last_decision_details,omitempty"`

	// Version supports optimistic row CAS in persistent stores.
	Version int64 `json:"version"`
}
