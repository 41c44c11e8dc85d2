package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateReturns(t *testing.T) {
	returns := CalculateReturns([]float64{100, 110, 99})
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-9)
	assert.InDelta(t, -0.10, returns[1], 1e-9)
}

func TestCalculateReturnsTooShort(t *testing.T) {
	assert.Empty(t, CalculateReturns([]float64{100}))
}

func TestCalculateSharpe(t *testing.T) {
	// Constant positive returns have zero variance
	assert.Nil(t, CalculateSharpe([]float64{0.01, 0.01, 0.01}))
	assert.Nil(t, CalculateSharpe([]float64{0.01}))

	returns := []float64{0.01, -0.005, 0.02, 0.003, -0.001}
	sharpe := CalculateSharpe(returns)
	require.NotNil(t, sharpe)

	expected := Mean(returns) / StdDev(returns) * math.Sqrt(365)
	assert.InDelta(t, expected, *sharpe, 1e-9)
}

func TestCalculateMaxDrawdown(t *testing.T) {
	// Peak 120, trough 90: drawdown = 30/120 = 0.25
	dd := CalculateMaxDrawdown([]float64{100, 120, 90, 110})
	require.NotNil(t, dd)
	assert.InDelta(t, 0.25, *dd, 1e-9)

	// Monotonic rise has zero drawdown
	dd = CalculateMaxDrawdown([]float64{100, 110, 120})
	require.NotNil(t, dd)
	assert.Equal(t, 0.0, *dd)

	assert.Nil(t, CalculateMaxDrawdown([]float64{100}))
}

func TestCalculateRSI(t *testing.T) {
	assert.Nil(t, CalculateRSI([]float64{1, 2, 3}, 14))

	// Steady uptrend pushes RSI high
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rsi := CalculateRSI(closes, 14)
	require.NotNil(t, rsi)
	assert.Greater(t, *rsi, 70.0)
}

func TestCalculateEMARespondsToDirection(t *testing.T) {
	up := make([]float64, 60)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	fast := CalculateEMA(up, 20)
	slow := CalculateEMA(up, 50)
	require.NotNil(t, fast)
	require.NotNil(t, slow)
	assert.Greater(t, *fast, *slow)

	assert.Nil(t, CalculateEMA(up[:10], 20))
}

func TestCalculateATRPositive(t *testing.T) {
	n := 40
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100.0 + float64(i%5)
		highs[i] = base + 2
		lows[i] = base - 2
		closes[i] = base
	}
	atr := CalculateATR(highs, lows, closes, 14)
	require.NotNil(t, atr)
	assert.Greater(t, *atr, 0.0)
}
