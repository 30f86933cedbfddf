// Package evaluator classifies a device count against its capacity limit.
package evaluator

import "github.com/skypass/fleetwatch/internal/types"

// Near-limit starts at nearLimitNum/nearLimitDen of capacity (80%). Kept as
// a fraction so the boundary comparison is exact in integer arithmetic.
const (
	nearLimitNum = 8
	nearLimitDen = 10
)

// Evaluate maps (count, limit) to a utilization state:
//
//	Exceeded  iff count > limit
//	NearLimit iff count/limit >= 0.8 and count <= limit
//	Normal    otherwise
func Evaluate(count, limit int) types.UtilizationState {
	if count > limit {
		return types.Exceeded
	}
	if limit <= 0 {
		return types.Normal
	}
	if count*nearLimitDen >= limit*nearLimitNum {
		return types.NearLimit
	}
	return types.Normal
}

// Assessment is Evaluate plus the numbers a human wants to see.
type Assessment struct {
	State   types.UtilizationState `json:"state"`
	Count   int                    `json:"count"`
	Limit   int                    `json:"limit"`
	Percent float64                `json:"percent"`
	Excess  int                    `json:"excess"`
}

// Assess evaluates count against limit and fills in usage details.
func Assess(count, limit int) Assessment {
	a := Assessment{
		State: Evaluate(count, limit),
		Count: count,
		Limit: limit,
	}
	if limit > 0 {
		a.Percent = float64(count) / float64(limit) * 100
	}
	if count > limit {
		a.Excess = count - limit
	}
	return a
}

// KindFor returns the alert kind matching state, or false for Normal.
func KindFor(state types.UtilizationState) (types.AlertKind, bool) {
	switch state {
	case types.Exceeded:
		return types.KindExceeded, true
	case types.NearLimit:
		return types.KindNearLimit, true
	default:
		return "", false
	}
}
