package volatility

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLogReturns_FiltersNonPositivePrices(t *testing.T) {
	returns := ComputeLogReturns([]float64{100, -5, 0, 110})
	require.Len(t, returns, 1)
	assert.InDelta(t, math.Log(110.0/100.0), returns[0], 1e-12)
}

func TestComputeLogReturns_TooFewPointsReturnsNil(t *testing.T) {
	assert.Nil(t, ComputeLogReturns([]float64{100}))
	assert.Nil(t, ComputeLogReturns(nil))
}

func TestEWMAVolatility_SeedsWithFirstReturnSquared(t *testing.T) {
	v, ok := EWMAVolatility([]float64{0.1}, 0.94)
	require.True(t, ok)
	assert.InDelta(t, 0.1, v, 1e-12)
}

func TestEWMAVolatility_RejectsDegenerateLambda(t *testing.T) {
	_, ok := EWMAVolatility([]float64{0.1, 0.2}, 0)
	assert.False(t, ok)
	_, ok = EWMAVolatility([]float64{0.1, 0.2}, 1)
	assert.False(t, ok)
	_, ok = EWMAVolatility(nil, 0.94)
	assert.False(t, ok)
}

func TestResampleLastPrice_KeepsLastObservationPerBucket(t *testing.T) {
	ts := []int64{0, 10, 65, 70, 130}
	prices := []float64{1, 2, 3, 4, 5}
	outTs, outPrices := ResampleLastPrice(ts, prices, 60)
	require.Equal(t, []int64{10, 70, 130}, outTs)
	require.Equal(t, []float64{2, 4, 5}, outPrices)
}

func TestResampleLastPrice_RejectsInvalidBucket(t *testing.T) {
	outTs, outPrices := ResampleLastPrice([]int64{1, 2}, []float64{1, 2}, 0)
	assert.Nil(t, outTs)
	assert.Nil(t, outPrices)
}

func defaultParams() Params {
	return Params{
		BucketSeconds:         60,
		EWMALambda:            0.94,
		MinPoints:             5,
		MinHistorySpanSeconds: 300,
		SigmaDefault:          0.6,
		SigmaMax:              5.0,
	}
}

func syntheticHistory(n int, stepSeconds int64) ([]int64, []float64) {
	ts := make([]int64, n)
	prices := make([]float64, n)
	price := 100.0
	for i := 0; i < n; i++ {
		ts[i] = int64(i) * stepSeconds
		// small deterministic wiggle so log-returns are nonzero.
		if i%2 == 0 {
			price *= 1.001
		} else {
			price *= 0.999
		}
		prices[i] = price
	}
	return ts, prices
}

func TestEstimator_Estimate_HappyPath(t *testing.T) {
	ts, prices := syntheticHistory(30, 60)
	var est Estimator
	result := est.Estimate(ts, prices, defaultParams())

	require.True(t, result.SigmaOk)
	assert.Equal(t, "ewma", result.SigmaSource)
	assert.Equal(t, QualityOK, result.SigmaQuality)
	assert.Nil(t, result.SigmaReason)
	assert.Greater(t, result.Sigma, 0.0)
	assert.NotNil(t, est.LastGoodSigma)
}

func TestEstimator_Estimate_InsufficientPointsFallsBackToDefault(t *testing.T) {
	ts, prices := syntheticHistory(2, 60)
	var est Estimator
	result := est.Estimate(ts, prices, defaultParams())

	assert.False(t, result.SigmaOk)
	assert.Equal(t, "default", result.SigmaSource)
	assert.Equal(t, QualityFallbackDefault, result.SigmaQuality)
	require.NotNil(t, result.SigmaReason)
	assert.Equal(t, ReasonInsufficientPoints, *result.SigmaReason)
	assert.Equal(t, defaultParams().SigmaDefault, result.Sigma)
}

func TestEstimator_Estimate_FallsBackToLastGoodSigmaOnceSeeded(t *testing.T) {
	ts, prices := syntheticHistory(30, 60)
	var est Estimator
	good := est.Estimate(ts, prices, defaultParams())
	require.True(t, good.SigmaOk)

	// A second, now-too-sparse call should fall back to the remembered
	// good sigma rather than the configured default.
	sparseTs, sparsePrices := syntheticHistory(2, 60)
	fallback := est.Estimate(sparseTs, sparsePrices, defaultParams())

	assert.False(t, fallback.SigmaOk)
	assert.Equal(t, "history", fallback.SigmaSource)
	assert.Equal(t, QualityFallbackHistory, fallback.SigmaQuality)
	assert.Equal(t, good.Sigma, fallback.Sigma)
}

func TestEstimator_Estimate_EmptyHistory(t *testing.T) {
	var est Estimator
	result := est.Estimate(nil, nil, defaultParams())
	assert.False(t, result.SigmaOk)
	require.NotNil(t, result.SigmaReason)
	assert.Equal(t, ReasonInsufficientPoints, *result.SigmaReason)
}
