// Package health tracks per-source outcome history, derives a rolling health
// score, and drives the hysteresis-stabilized health state machine that
// adapts admission policy per source.
package health

import (
	"github.com/fiskala/regtruth/internal/model"
)

// Scoring weights. The penalty term is deliberately harsh: a small error
// rate should drag an otherwise healthy source down fast.
const (
	successWeight       = 0.5
	efficiencyWeight    = 0.3
	penaltyMultiplier   = 10.0
	emptyPenalty        = 0.1
	errorPenalty        = 0.2
	targetTokensPerItem = 2000.0
)

// neutralScore is assigned to sources with no attempts in the window yet.
// It lands in FAIR, so new sources start with the middle-of-the-road policy.
const neutralScore = 0.5

// ComputeScore derives the 0-1 health score from rolling-window counters.
// Pure: identical counters always produce an identical score.
func ComputeScore(c model.WindowCounters) float64 {
	if c.TotalAttempts == 0 {
		return neutralScore
	}

	total := float64(c.TotalAttempts)
	successRate := float64(c.SuccessCount) / total
	emptyRate := float64(c.EmptyCount) / total
	errorRate := float64(c.ErrorCount) / total

	var efficiency float64
	if c.TotalItemsProduced > 0 {
		tokensPerItem := float64(c.TotalTokensUsed) / float64(c.TotalItemsProduced)
		if tokensPerItem > 0 {
			efficiency = targetTokensPerItem / tokensPerItem
			if efficiency > 1 {
				efficiency = 1
			}
		} else {
			efficiency = 1
		}
	}

	penalty := emptyRate*emptyPenalty + errorRate*errorPenalty
	score := successRate*successWeight + efficiency*efficiencyWeight - penalty*penaltyMultiplier

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// StateForScore discretizes a health score into its tier.
func StateForScore(score float64) model.HealthState {
	switch {
	case score >= 0.8:
		return model.HealthExcellent
	case score >= 0.6:
		return model.HealthGood
	case score >= 0.4:
		return model.HealthFair
	case score >= 0.2:
		return model.HealthPoor
	default:
		return model.HealthCritical
	}
}

// Policy is the adaptive admission tuple a health state maps to.
type Policy struct {
	MinScoutScore    float64
	AllowCloud       bool
	BudgetMultiplier float64
}

var policyTable = map[model.HealthState]Policy{
	model.HealthExcellent: {MinScoutScore: 0.30, AllowCloud: true, BudgetMultiplier: 1.5},
	model.HealthGood:      {MinScoutScore: 0.40, AllowCloud: true, BudgetMultiplier: 1.2},
	model.HealthFair:      {MinScoutScore: 0.50, AllowCloud: true, BudgetMultiplier: 1.0},
	model.HealthPoor:      {MinScoutScore: 0.65, AllowCloud: false, BudgetMultiplier: 0.5},
	model.HealthCritical:  {MinScoutScore: 0.80, AllowCloud: false, BudgetMultiplier: 0.25},
}

// PolicyFor returns the admission policy for a health state. Unknown states
// get the CRITICAL policy.
func PolicyFor(state model.HealthState) Policy {
	if p, ok := policyTable[state]; ok {
		return p
	}
	return policyTable[model.HealthCritical]
}
