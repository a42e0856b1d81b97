// Package fees computes Kalshi's per-fill taker fee. Grounded on
// original_source/src/kalshi_bot/kalshi/fees.py.
package fees

import "math"

// takerFeeRate is Kalshi's documented taker fee coefficient.
const takerFeeRate = 0.07

// TakerFeeDollars returns the taker fee in dollars for a fill of
// `contracts` units at priceCents (0-100). It returns (0, false) when the
// inputs are undefined: non-finite price, contracts <= 0, or price outside
// [0, 100]. The fee is exactly 0 at the 0/100 boundaries. The result is
// rounded up to the nearest cent using integer-cent arithmetic per spec.md
// §9's decimal-vs-float note, to avoid floating-point drift in the ceil
// step.
func TakerFeeDollars(priceCents float64, contracts int) (float64, bool) {
	if contracts <= 0 {
		return 0, false
	}
	if math.IsNaN(priceCents) || math.IsInf(priceCents, 0) {
		return 0, false
	}
	if priceCents < 0 || priceCents > 100 {
		return 0, false
	}
	if priceCents == 0 || priceCents == 100 {
		return 0.0, true
	}
	// 0.07*n*p*(1-p) dollars is 7*n*c*(100-c)/10000 cents for a price of c
	// cents; for whole-cent prices the numerator is an exact integer, so the
	// ceil step sees no floating-point drift.
	num := math.Round(takerFeeRate*100) * float64(contracts) * priceCents * (100.0 - priceCents)
	cents := int64(math.Ceil(num / 10000.0))
	return float64(cents) / 100.0, true
}

// MaxContractsForBudget returns the largest contract count whose combined
// cost + fee stays within maxBudgetDollars at priceCents, by linear search
// downward from the naive unit-cost estimate. Used by sizing helpers, not
// the core taker-EV decision path.
func MaxContractsForBudget(maxBudgetDollars float64, priceCents float64) int {
	if maxBudgetDollars <= 0 || priceCents <= 0 || priceCents > 100 {
		return 0
	}
	unitCost := priceCents / 100.0
	if unitCost <= 0 {
		return 0
	}
	n := int(maxBudgetDollars / unitCost)
	for n > 0 {
		fee, ok := TakerFeeDollars(priceCents, n)
		if !ok {
			n--
			continue
		}
		cost := unitCost*float64(n) + fee
		if cost <= maxBudgetDollars {
			return n
		}
		n--
	}
	return 0
}
