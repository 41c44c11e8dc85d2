package formulas

import "math"

// CalculateSharpe calculates the annualized Sharpe ratio from daily returns.
//
// Sharpe Formula:
//
//	Sharpe = mean(returns) / stddev(returns) × sqrt(365)
//
// Crypto markets trade every calendar day, so annualization uses 365.
// Returns nil when there are fewer than two returns or zero variance.
func CalculateSharpe(dailyReturns []float64) *float64 {
	if len(dailyReturns) < 2 {
		return nil
	}

	stdDev := StdDev(dailyReturns)
	if stdDev == 0 {
		return nil
	}

	sharpe := Mean(dailyReturns) / stdDev * math.Sqrt(365)
	return &sharpe
}
