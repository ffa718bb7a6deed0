package model

// Route is the router's verdict on where an evidence item goes next.
type Route string

const (
	RouteSkip         Route = "SKIP"
	RouteOCR          Route = "OCR"
	RouteExtractLocal Route = "EXTRACT_LOCAL"
	RouteExtractCloud Route = "EXTRACT_CLOUD"
)

// Provider identifies an LLM extraction backend.
type Provider string

const (
	ProviderLocalOllama Provider = "LOCAL_OLLAMA"
	ProviderCloudOllama Provider = "CLOUD_OLLAMA"
)

// ProviderFor maps an extract route to its provider. Non-extract routes
// return the empty provider.
func ProviderFor(r Route) Provider {
	switch r {
	case RouteExtractLocal:
		return ProviderLocalOllama
	case RouteExtractCloud:
		return ProviderCloudOllama
	default:
		return ""
	}
}

// ReasonCode is a machine-readable explanation for a governance decision.
// Downstream monitoring keys off these values, so they are stable strings,
// never free text.
type ReasonCode string

const (
	// Routing reasons.
	ReasonScoutSkip      ReasonCode = "SCOUT_SKIP"
	ReasonBelowThreshold ReasonCode = "BELOW_SOURCE_THRESHOLD"
	ReasonNeedsOCR       ReasonCode = "NEEDS_OCR"
	ReasonCloudDenied    ReasonCode = "CLOUD_DENIED_BY_HEALTH"
	ReasonHighValueCloud ReasonCode = "HIGH_VALUE_CLOUD"
	ReasonDefaultLocal   ReasonCode = "DEFAULT_LOCAL"

	// Admission denial reasons.
	ReasonCircuitOpen      ReasonCode = "CIRCUIT_OPEN"
	ReasonGlobalBudget     ReasonCode = "GLOBAL_BUDGET_EXHAUSTED"
	ReasonSourceBudget     ReasonCode = "SOURCE_BUDGET_EXHAUSTED"
	ReasonEvidenceTooLarge ReasonCode = "EVIDENCE_TOO_LARGE"
	ReasonSourceInCooldown ReasonCode = "SOURCE_IN_COOLDOWN"
	ReasonSourcePaused     ReasonCode = "SOURCE_PAUSED"
	ReasonNoSlotAvailable  ReasonCode = "NO_SLOT_AVAILABLE"
	ReasonAdmitted         ReasonCode = "ADMITTED"

	// Health state machine reasons.
	ReasonStateUpgrade      ReasonCode = "STATE_UPGRADE"
	ReasonStateDowngrade    ReasonCode = "STATE_DOWNGRADE"
	ReasonBlockedByDwell    ReasonCode = "BLOCKED_BY_DWELL_TIME"
	ReasonBlockedByStepwise ReasonCode = "BLOCKED_BY_STEPWISE"
	ReasonStarvationGrant   ReasonCode = "STARVATION_ALLOWANCE"
	ReasonAutoPause         ReasonCode = "AUTO_PAUSE"
	ReasonAutoUnpause       ReasonCode = "AUTO_UNPAUSE"
	ReasonManualPause       ReasonCode = "MANUAL_PAUSE"
	ReasonManualUnpause     ReasonCode = "MANUAL_UNPAUSE"
	ReasonCooldownStarted   ReasonCode = "COOLDOWN_STARTED"
	ReasonCircuitTripped    ReasonCode = "CIRCUIT_TRIPPED"
	ReasonCircuitClosed     ReasonCode = "CIRCUIT_CLOSED"
	ReasonWindowRollover    ReasonCode = "WINDOW_ROLLOVER"
)

// RoutingDecision is one routing verdict plus the reason and the metric
// values that produced it, so every decision is auditable after the fact.
type RoutingDecision struct {
	Route   Route              `json:"route"`
	Reason  ReasonCode         `json:"reason"`
	Detail  ReasonCode         `json:"detail,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}
