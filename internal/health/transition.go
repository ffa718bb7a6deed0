package health

import (
	"time"

	"github.com/fiskala/regtruth/internal/model"
)

// stateByRank is the severity ladder, worst first.
var stateByRank = []model.HealthState{
	model.HealthCritical,
	model.HealthPoor,
	model.HealthFair,
	model.HealthGood,
	model.HealthExcellent,
}

// Transition is the outcome of one state-machine evaluation.
type Transition struct {
	From model.HealthState
	To   model.HealthState
	// Target is the state the raw score alone would justify. To differs
	// from Target when the stepwise constraint clamped the move.
	Target model.HealthState
	Reason model.ReasonCode
	// Moved is false when the evaluation left the state unchanged.
	Moved bool
}

// Evaluate computes the next health state from the current state and the
// fresh score, honoring the dwell-time and stepwise stability guarantees.
// Pure function: all time handling goes through the now argument.
//
// Guarantees:
//   - a source never moves more than one severity tier per evaluation;
//   - CRITICAL cannot upgrade within criticalDwell of entry, POOR within
//     poorDwell;
//   - downgrades are never dwell-gated — a failing source degrades
//     immediately (one tier at a time).
func Evaluate(cur model.HealthState, enteredAt time.Time, score float64, now time.Time, criticalDwell, poorDwell time.Duration) Transition {
	target := StateForScore(score)
	tr := Transition{From: cur, To: cur, Target: target}

	curRank := cur.Rank()
	targetRank := target.Rank()

	if targetRank == curRank {
		return tr
	}

	if targetRank > curRank {
		// Upgrade path: dwell time first.
		var dwell time.Duration
		switch cur {
		case model.HealthCritical:
			dwell = criticalDwell
		case model.HealthPoor:
			dwell = poorDwell
		}
		if dwell > 0 && now.Sub(enteredAt) < dwell {
			tr.Reason = model.ReasonBlockedByDwell
			return tr
		}

		tr.To = stateByRank[curRank+1]
		tr.Moved = true
		if targetRank > curRank+1 {
			tr.Reason = model.ReasonBlockedByStepwise
		} else {
			tr.Reason = model.ReasonStateUpgrade
		}
		return tr
	}

	// Downgrade path: stepwise only, no dwell.
	tr.To = stateByRank[curRank-1]
	tr.Moved = true
	if targetRank < curRank-1 {
		tr.Reason = model.ReasonBlockedByStepwise
	} else {
		tr.Reason = model.ReasonStateDowngrade
	}
	return tr
}
