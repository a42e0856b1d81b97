package fees

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakerFeeDollars_Boundaries(t *testing.T) {
	fee, ok := TakerFeeDollars(0, 10)
	require.True(t, ok)
	assert.Equal(t, 0.0, fee)

	fee, ok = TakerFeeDollars(100, 10)
	require.True(t, ok)
	assert.Equal(t, 0.0, fee)
}

func TestTakerFeeDollars_MidPrice(t *testing.T) {
	fee, ok := TakerFeeDollars(50, 100)
	require.True(t, ok)
	// 0.07 * 100 * 0.5 * 0.5 = 1.75, already at a whole cent.
	assert.Equal(t, 1.75, fee)
}

func TestTakerFeeDollars_RoundsUpToCent(t *testing.T) {
	fee, ok := TakerFeeDollars(37, 1)
	require.True(t, ok)
	raw := takerFeeRate * 1 * 0.37 * 0.63
	assert.Greater(t, fee, raw)
	assert.LessOrEqual(t, fee-raw, 0.01)
}

func TestTakerFeeDollars_RejectsInvalidInputs(t *testing.T) {
	_, ok := TakerFeeDollars(50, 0)
	assert.False(t, ok)

	_, ok = TakerFeeDollars(-1, 10)
	assert.False(t, ok)

	_, ok = TakerFeeDollars(101, 10)
	assert.False(t, ok)

	_, ok = TakerFeeDollars(math.NaN(), 10)
	assert.False(t, ok)

	_, ok = TakerFeeDollars(math.Inf(1), 10)
	assert.False(t, ok)
}

func TestMaxContractsForBudget_StaysWithinBudget(t *testing.T) {
	n := MaxContractsForBudget(10.0, 50)
	require.Greater(t, n, 0)

	fee, ok := TakerFeeDollars(50, n)
	require.True(t, ok)
	cost := 0.5*float64(n) + fee
	assert.LessOrEqual(t, cost, 10.0)

	fee2, ok2 := TakerFeeDollars(50, n+1)
	require.True(t, ok2)
	costNext := 0.5*float64(n+1) + fee2
	assert.Greater(t, costNext, 10.0)
}

func TestMaxContractsForBudget_RejectsInvalidInputs(t *testing.T) {
	assert.Equal(t, 0, MaxContractsForBudget(0, 50))
	assert.Equal(t, 0, MaxContractsForBudget(10, 0))
	assert.Equal(t, 0, MaxContractsForBudget(10, 101))
}
