package model

import "time"

// CircuitState is the global admission circuit. There is no half-open tier:
// the circuit is a safety valve that only an operator closes.
type CircuitState string

const (
	CircuitClosed CircuitState = "CLOSED"
	CircuitOpen   CircuitState = "OPEN"
)

// BudgetState is the process-wide token accounting snapshot. Counters reset
// on the configured daily boundary, never by business logic.
type BudgetState struct {
	// Day is the current accounting day in the reset timezone (YYYY-MM-DD).
	Day string `json:"day"`

	GlobalTokensUsed     int64            `json:"global_tokens_used"`
	GlobalTokensReserved int64            `json:"global_tokens_reserved"`
	SourceTokensUsed     map[string]int64 `json:"source_tokens_used"`

	Circuit         CircuitState `json:"circuit"`
	CircuitReason   string       `json:"circuit_reason,omitempty"`
	CircuitOpenedAt time.Time    `json:"circuit_opened_at,omitempty"`

	// Cooldowns maps source slug to cooldown expiry.
	Cooldowns map[string]time.Time `json:"cooldowns,omitempty"`
	// EmptyStreaks tracks consecutive empty outputs per source.
	EmptyStreaks map[string]int `json:"empty_streaks,omitempty"`

	Version int64 `json:"version"`
}
