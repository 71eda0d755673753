// Package policy holds the pure rule evaluation: stop-losses, profit
// protection, dip-buys, circuit breaker, gap, regime shifts, and the
// deterministic fallback trimmer. Nothing in this package performs I/O.
package policy

// Regime buckets the volatility index into the four stop-loss tiers.
type Regime string

const (
	RegimeCalm     Regime = "CALM"
	RegimeNormal   Regime = "NORMAL"
	RegimeElevated Regime = "ELEVATED"
	RegimeHigh     Regime = "HIGH"
)

// Regime interval boundaries. Intervals are right-open, so a reading of
// exactly 15.0 is NORMAL.
const (
	normalFloor   = 15.0
	elevatedFloor = 20.0
	highFloor     = 30.0
)

// RegimeFor buckets a VIX reading.
func RegimeFor(vix float64) Regime {
	switch {
	case vix >= highFloor:
		return RegimeHigh
	case vix >= elevatedFloor:
		return RegimeElevated
	case vix >= normalFloor:
		return RegimeNormal
	default:
		return RegimeCalm
	}
}

var regimeRank = map[Regime]int{
	RegimeCalm:     0,
	RegimeNormal:   1,
	RegimeElevated: 2,
	RegimeHigh:     3,
}

// SignificantTransition reports whether the regime change warrants an alert
// and autonomous action. Only moves between adjacent tiers qualify; a jump
// across tiers (possible after a data gap) is not alerted.
func SignificantTransition(from, to Regime) bool {
	rf, okF := regimeRank[from]
	rt, okT := regimeRank[to]
	if !okF || !okT {
		return false
	}
	diff := rf - rt
	return diff == 1 || diff == -1
}

// Escalated reports whether to is a riskier tier than from.
func Escalated(from, to Regime) bool {
	return regimeRank[to] > regimeRank[from]
}
