package model

import "time"

// DecisionKind groups decision events for audit queries.
type DecisionKind string

const (
	DecisionRouting   DecisionKind = "routing"
	DecisionAdmission DecisionKind = "admission"
	DecisionHealth    DecisionKind = "health"
	DecisionPause     DecisionKind = "pause"
	DecisionCircuit   DecisionKind = "circuit"
	DecisionCooldown  DecisionKind = "cooldown"
)

// DecisionEvent is one append-only audit record of a governance decision,
// carrying the reason code and the metric values that triggered it.
// Write-once; read only for audit and monitoring.
type DecisionEvent struct {
	ID         string             `json:"id"`
	At         time.Time          `json:"at"`
	Kind       DecisionKind       `json:"kind"`
	SourceSlug string             `json:"source_slug,omitempty"`
	RunID      string             `json:"run_id,omitempty"`
	Reason     ReasonCode         `json:"reason"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Detail     string             `json:"detail,omitempty"`
}
