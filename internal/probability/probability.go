// Package probability implements the zero-drift lognormal (GBM) model used
// to turn (spot, strike, horizon, sigma) into a YES probability for less /
// greater / between contract shapes. Grounded on
// original_source/src/kalshi_bot/models/probability.py; the clamp-then-
// subtract order in Between is load-bearing, not incidental — see
// DESIGN.md.
package probability

import "math"

// SecondsPerYear is the annualization constant (365 * 24h).
const SecondsPerYear = 365.0 * 24.0 * 60.0 * 60.0

// eps bounds every clamped probability away from the [0,1] edges.
const eps = 1e-12

// ClampProb bounds p away from the [0,1] edges by eps, exported for callers
// outside this package that score a probability against a realized outcome
// (see internal/scoring), mirroring the original's shared
// models.probability.EPS import.
func ClampProb(p float64) float64 {
	return clampProb(p)
}

func clampProb(p float64) float64 {
	if p < eps {
		return eps
	}
	if p > 1.0-eps {
		return 1.0 - eps
	}
	return p
}

func yearFraction(horizonSeconds float64) float64 {
	return horizonSeconds / SecondsPerYear
}

func normCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// stepProb returns the deterministic T<=0 payoff, or false if spot is
// non-positive (undefined).
func stepProb(spot, threshold float64, greater bool) (float64, bool) {
	if spot <= 0 {
		return 0, false
	}
	if greater {
		if spot >= threshold {
			return 1.0, true
		}
		return 0.0, true
	}
	if spot <= threshold {
		return 1.0, true
	}
	return 0.0, true
}

// LessEqualRaw returns the unclamped P(S_T <= K), or false if the inputs are
// undefined (non-positive spot/sigma/strike, or degenerate sigma_t).
func LessEqualRaw(spot, strike, horizonSeconds, sigmaAnnualized float64) (float64, bool) {
	if horizonSeconds <= 0 {
		return stepProb(spot, strike, false)
	}
	if spot <= 0 || sigmaAnnualized <= 0 || strike <= 0 {
		return 0, false
	}
	t := yearFraction(horizonSeconds)
	if t <= 0 {
		return stepProb(spot, strike, false)
	}
	sigmaT := sigmaAnnualized * math.Sqrt(t)
	if sigmaT <= 0 {
		return 0, false
	}
	z := (math.Log(strike/spot) + 0.5*sigmaT*sigmaT) / sigmaT
	return normCDF(z), true
}

// GreaterEqualRaw returns the unclamped P(S_T >= K).
func GreaterEqualRaw(spot, strike, horizonSeconds, sigmaAnnualized float64) (float64, bool) {
	if horizonSeconds <= 0 {
		return stepProb(spot, strike, true)
	}
	p, ok := LessEqualRaw(spot, strike, horizonSeconds, sigmaAnnualized)
	if !ok {
		return 0, false
	}
	return 1.0 - p, true
}

// BetweenRaw returns the unclamped P(L <= S_T < U).
func BetweenRaw(spot, lower, upper, horizonSeconds, sigmaAnnualized float64) (float64, bool) {
	if upper <= lower {
		return 0, false
	}
	if horizonSeconds <= 0 {
		if spot <= 0 {
			return 0, false
		}
		if lower <= spot && spot < upper {
			return 1.0, true
		}
		return 0.0, true
	}
	upperP, ok := LessEqualRaw(spot, upper, horizonSeconds, sigmaAnnualized)
	if !ok {
		return 0, false
	}
	lowerP, ok := LessEqualRaw(spot, lower, horizonSeconds, sigmaAnnualized)
	if !ok {
		return 0, false
	}
	return upperP - lowerP, true
}

// LessEqual returns the clamped P(S_T <= K).
func LessEqual(spot, strike, horizonSeconds, sigmaAnnualized float64) (float64, bool) {
	if horizonSeconds <= 0 {
		step, ok := stepProb(spot, strike, false)
		if !ok {
			return 0, false
		}
		return clampProb(step), true
	}
	if spot <= 0 || sigmaAnnualized <= 0 || strike <= 0 {
		return 0, false
	}
	t := yearFraction(horizonSeconds)
	if t <= 0 {
		step, ok := stepProb(spot, strike, false)
		if !ok {
			return 0, false
		}
		return clampProb(step), true
	}
	sigmaT := sigmaAnnualized * math.Sqrt(t)
	if sigmaT <= 0 {
		return 0, false
	}
	z := (math.Log(strike/spot) + 0.5*sigmaT*sigmaT) / sigmaT
	return clampProb(normCDF(z)), true
}

// GreaterEqual returns the clamped P(S_T >= K).
func GreaterEqual(spot, strike, horizonSeconds, sigmaAnnualized float64) (float64, bool) {
	if horizonSeconds <= 0 {
		step, ok := stepProb(spot, strike, true)
		if !ok {
			return 0, false
		}
		return clampProb(step), true
	}
	raw, ok := LessEqualRaw(spot, strike, horizonSeconds, sigmaAnnualized)
	if !ok {
		return 0, false
	}
	return clampProb(1.0 - raw), true
}

// Between returns the clamped P(L <= S_T < U). Both raw tail probabilities
// are clamped individually before subtracting, and the difference is
// clamped again — matching the original's double-clamp so invariant 5
// (between additivity) holds to 1e-12.
func Between(spot, lower, upper, horizonSeconds, sigmaAnnualized float64) (float64, bool) {
	if upper <= lower {
		return 0, false
	}
	if horizonSeconds <= 0 {
		if spot <= 0 {
			return 0, false
		}
		if lower <= spot && spot < upper {
			return clampProb(1.0), true
		}
		return clampProb(0.0), true
	}
	upperRaw, ok := LessEqualRaw(spot, upper, horizonSeconds, sigmaAnnualized)
	if !ok {
		return 0, false
	}
	lowerRaw, ok := LessEqualRaw(spot, lower, horizonSeconds, sigmaAnnualized)
	if !ok {
		return 0, false
	}
	upperP := clampProb(upperRaw)
	lowerP := clampProb(lowerRaw)
	return clampProb(upperP - lowerP), true
}
