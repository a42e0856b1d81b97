// Package volatility estimates annualized sigma from raw spot-price history
// via bucket resampling and an EWMA variance recursion. Grounded on
// original_source/src/kalshi_bot/models/volatility.py and
// strategy/edge_state_engine.py's _compute_sigma.
package volatility

import (
	"math"
	"sort"
)

// SecondsPerYear matches probability.SecondsPerYear; duplicated here so this
// package has no dependency on probability.
const SecondsPerYear = 365.0 * 24.0 * 60.0 * 60.0

// ComputeLogReturns filters non-positive prices and returns pairwise
// log(curr/prev).
func ComputeLogReturns(prices []float64) []float64 {
	filtered := make([]float64, 0, len(prices))
	for _, p := range prices {
		if p > 0 {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(filtered)-1)
	for i := 1; i < len(filtered); i++ {
		returns = append(returns, math.Log(filtered[i]/filtered[i-1]))
	}
	return returns
}

// EWMAVolatility seeds the variance recursion with returns[0]^2 (not 0) and
// folds in the remaining returns with v_t = lambda*v_{t-1} + (1-lambda)*r^2.
// Seeding at zero would understate sigma on short windows.
func EWMAVolatility(returns []float64, lambda float64) (float64, bool) {
	if len(returns) == 0 {
		return 0, false
	}
	if lambda <= 0.0 || lambda >= 1.0 {
		return 0, false
	}
	v := returns[0] * returns[0]
	for _, r := range returns[1:] {
		v = lambda*v + (1.0-lambda)*(r*r)
	}
	return math.Sqrt(v), true
}

// Annualize scales a per-step volatility to an annualized figure.
func Annualize(volPerStep, stepSeconds float64) float64 {
	return volPerStep * math.Sqrt(SecondsPerYear/stepSeconds)
}

// ResampleLastPrice buckets (ts, price) pairs onto a uniform grid of width
// bucketSeconds, keeping the last observed price in each bucket. Input must
// already be time-ordered.
func ResampleLastPrice(timestamps []int64, prices []float64, bucketSeconds int64) ([]int64, []float64) {
	if len(timestamps) == 0 || bucketSeconds <= 0 {
		return nil, nil
	}
	type bucket struct {
		ts    int64
		price float64
	}
	byBucket := make(map[int64]bucket)
	order := make([]int64, 0)
	for i, ts := range timestamps {
		key := ts / bucketSeconds
		if _, ok := byBucket[key]; !ok {
			order = append(order, key)
		}
		byBucket[key] = bucket{ts: ts, price: prices[i]}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	outTs := make([]int64, 0, len(order))
	outPrices := make([]float64, 0, len(order))
	for _, key := range order {
		b := byBucket[key]
		outTs = append(outTs, b.ts)
		outPrices = append(outPrices, b.price)
	}
	return outTs, outPrices
}

func estimateStepSeconds(timestamps []int64) (float64, bool) {
	if len(timestamps) < 2 {
		return 0, false
	}
	diffs := make([]int64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		d := timestamps[i] - timestamps[i-1]
		if d > 0 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) == 0 {
		return 0, false
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })
	return float64(diffs[len(diffs)/2]), true
}

// Quality classifies how an Estimate was produced.
type Quality string

const (
	QualityOK              Quality = "ok"
	QualityFallbackHistory Quality = "fallback_history"
	QualityFallbackDefault Quality = "fallback_default"
)

// Reason is drawn from the closed set of sigma-failure codes.
type Reason string

const (
	ReasonMissingStep               Reason = "missing_step"
	ReasonBadStepSeconds            Reason = "bad_step_seconds"
	ReasonInsufficientPoints        Reason = "insufficient_points"
	ReasonInsufficientHistorySpan   Reason = "insufficient_history_span"
	ReasonSigmaEWMAMissing          Reason = "sigma_ewma_missing"
	ReasonNonfiniteSigma            Reason = "nonfinite_sigma"
	ReasonNonpositiveSigma          Reason = "nonpositive_sigma"
	ReasonOutOfBounds               Reason = "out_of_bounds"
	ReasonSigmaMissing              Reason = "sigma_missing"
)

// Params configures one estimation call.
type Params struct {
	BucketSeconds         int64
	EWMALambda            float64
	MinPoints             int
	MinHistorySpanSeconds int64
	SigmaDefault          float64
	SigmaMax              float64
}

// Estimate is the full diagnostic result of one sigma computation, mirroring
// the fields the opportunity engine's readiness gates read back out of an
// edge_snapshot's embedded metadata.
type Estimate struct {
	Sigma                    float64
	SigmaUnclamped           *float64
	SigmaSource              string
	SigmaOk                  bool
	SigmaReason              *Reason
	SigmaReasonContext       *string
	SigmaQuality             Quality
	SigmaPointsUsed          int
	SigmaLookbackSecondsUsed int64
	MinSigmaPoints           int
	MinSigmaLookbackSeconds  int64
	RawPoints                int
	ResampledPoints          int
	StepSeconds              float64
}

func reasonContext(reason *Reason, historySpan, minLookback int64, pointsUsed, minPoints int, sigmaRaw *float64, sigmaMax, stepSeconds float64) *string {
	if reason == nil {
		return nil
	}
	var s string
	switch *reason {
	case ReasonInsufficientHistorySpan:
		s = fmtInt("history_span_seconds=", historySpan) + fmtInt(" < min_sigma_lookback_seconds=", minLookback)
	case ReasonInsufficientPoints:
		s = fmtInt("sigma_points_used=", int64(pointsUsed)) + fmtInt(" < min_points=", int64(minPoints))
	case ReasonOutOfBounds:
		s = fmtFloatPtr("sigma_unclamped=", sigmaRaw) + fmtFloat(" > sigma_max=", sigmaMax)
	case ReasonNonfiniteSigma:
		s = fmtFloatPtr("sigma_unclamped=", sigmaRaw) + " is not finite"
	case ReasonNonpositiveSigma:
		s = fmtFloatPtr("sigma_unclamped=", sigmaRaw) + " <= 0"
	case ReasonSigmaEWMAMissing:
		s = "ewma_volatility returned no estimate"
	case ReasonBadStepSeconds:
		s = fmtFloat("step_seconds=", stepSeconds) + " outside [1, 3600]"
	case ReasonMissingStep:
		s = "resample step is missing or invalid"
	case ReasonSigmaMissing:
		s = "sigma estimate unexpectedly missing"
	default:
		return nil
	}
	return &s
}

// Estimator computes annualized sigma from raw history and falls back to a
// previously-good value, then a configured default, in that order.
type Estimator struct {
	LastGoodSigma *float64
}

// Estimate runs the full resample -> log-returns -> EWMA -> annualize
// pipeline and classifies the result. rawTimestamps/rawPrices must already
// be filtered to the lookback window by the caller (see internal/state).
func (e *Estimator) Estimate(rawTimestamps []int64, rawPrices []float64, p Params) Estimate {
	historySpan := int64(0)
	if len(rawTimestamps) >= 2 {
		historySpan = rawTimestamps[len(rawTimestamps)-1] - rawTimestamps[0]
	}

	var (
		reason          *Reason
		sigmaRaw        *float64
		sigmaSource     = "default"
		sigmaOk         = false
		sigma           = p.SigmaDefault
		stepSeconds     = float64(p.BucketSeconds)
		pointsUsed      = 0
		resampledPoints = 0
	)

	if len(rawTimestamps) == 0 || len(rawPrices) == 0 {
		r := ReasonInsufficientPoints
		reason = &r
	} else {
		resampledTs, resampledPrices := ResampleLastPrice(rawTimestamps, rawPrices, maxInt64(p.BucketSeconds, 1))
		resampledPoints = len(resampledTs)
		if est, ok := estimateStepSeconds(resampledTs); ok {
			stepSeconds = est
		} else {
			r := ReasonMissingStep
			reason = &r
		}
		if reason == nil && (stepSeconds < 1 || stepSeconds > 3600) {
			r := ReasonBadStepSeconds
			reason = &r
		}

		var returns []float64
		if reason == nil {
			returns = ComputeLogReturns(resampledPrices)
		}
		pointsUsed = len(returns)
		if reason == nil && pointsUsed < p.MinPoints {
			r := ReasonInsufficientPoints
			reason = &r
		}
		if reason == nil && historySpan < p.MinHistorySpanSeconds {
			r := ReasonInsufficientHistorySpan
			reason = &r
		}
		if reason == nil {
			volStep, ok := EWMAVolatility(returns, p.EWMALambda)
			if !ok {
				r := ReasonSigmaEWMAMissing
				reason = &r
			} else {
				raw := Annualize(volStep, stepSeconds)
				sigmaRaw = &raw
				switch {
				case math.IsNaN(raw) || math.IsInf(raw, 0):
					r := ReasonNonfiniteSigma
					reason = &r
				case raw <= 0:
					r := ReasonNonpositiveSigma
					reason = &r
				case raw > p.SigmaMax:
					r := ReasonOutOfBounds
					reason = &r
				}
			}
		}
	}

	if reason == nil && sigmaRaw != nil {
		sigma = *sigmaRaw
		sigmaSource = "ewma"
		sigmaOk = true
		e.LastGoodSigma = sigmaRaw
	} else if e.LastGoodSigma != nil {
		sigma = *e.LastGoodSigma
		sigmaSource = "history"
		sigmaOk = false
	} else {
		sigma = p.SigmaDefault
		sigmaSource = "default"
		sigmaOk = false
	}

	quality := QualityOK
	if reason != nil {
		if sigmaSource == "history" {
			quality = QualityFallbackHistory
		} else {
			quality = QualityFallbackDefault
		}
	}

	return Estimate{
		Sigma:                    sigma,
		SigmaUnclamped:           sigmaRaw,
		SigmaSource:              sigmaSource,
		SigmaOk:                  sigmaOk,
		SigmaReason:              reason,
		SigmaReasonContext:       reasonContext(reason, historySpan, p.MinHistorySpanSeconds, pointsUsed, p.MinPoints, sigmaRaw, p.SigmaMax, stepSeconds),
		SigmaQuality:             quality,
		SigmaPointsUsed:          pointsUsed,
		SigmaLookbackSecondsUsed: historySpan,
		MinSigmaPoints:           p.MinPoints,
		MinSigmaLookbackSeconds:  p.MinHistorySpanSeconds,
		RawPoints:                len(rawTimestamps),
		ResampledPoints:          resampledPoints,
		StepSeconds:              stepSeconds,
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
