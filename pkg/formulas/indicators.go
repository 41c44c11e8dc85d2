package formulas

import (
	"github.com/markcheno/go-talib"
)

// CalculateRSI calculates the Relative Strength Index
//
// RSI Formula:
//
//	RSI = 100 - (100 / (1 + RS))
//	where RS = Average Gain / Average Loss over N periods
//
// Returns the current RSI value (0-100) or nil if insufficient data.
func CalculateRSI(closes []float64, length int) *float64 {
	if len(closes) < length+1 {
		return nil
	}
	return lastValid(talib.Rsi(closes, length))
}

// CalculateEMA calculates the Exponential Moving Average and returns the
// current value, or nil if insufficient data.
func CalculateEMA(closes []float64, length int) *float64 {
	if len(closes) < length {
		return nil
	}
	return lastValid(talib.Ema(closes, length))
}

// CalculateADX calculates the Average Directional Index, a trend-strength
// measure (0-100; above ~25 indicates a trending market).
func CalculateADX(highs, lows, closes []float64, length int) *float64 {
	// ADX needs roughly two periods of lead-in before it stabilizes
	if len(closes) < 2*length+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return lastValid(talib.Adx(highs, lows, closes, length))
}

// CalculateATR calculates the Average True Range, an absolute volatility
// measure in price units.
func CalculateATR(highs, lows, closes []float64, length int) *float64 {
	if len(closes) < length+1 || len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return lastValid(talib.Atr(highs, lows, closes, length))
}

// lastValid returns the final value of an indicator series, or nil when
// the series is empty or NaN input propagated through to the last value.
func lastValid(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if isNaN(v) {
		return nil
	}
	return &v
}

// isNaN checks if a float64 is NaN
func isNaN(f float64) bool {
	return f != f
}
