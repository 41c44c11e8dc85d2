// Package regime classifies per-symbol market conditions from daily
// candles. The label travels with trades and signals as advisory context
// for the nightly analysis; nothing in accounting depends on it.
package regime

import (
	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/pkg/formulas"
)

// Regime represents the current market condition for one symbol
type Regime string

const (
	RegimeTrendingUp   Regime = "trending_up"
	RegimeTrendingDown Regime = "trending_down"
	RegimeRanging      Regime = "ranging"
	RegimeVolatile     Regime = "volatile"
	RegimeUnknown      Regime = "unknown"
)

const (
	fastEMAPeriod = 20
	slowEMAPeriod = 50
	adxPeriod     = 14
	atrPeriod     = 14

	// ADX above this value marks a trending market
	adxTrendThreshold = 25.0
	// ATR as a fraction of price above this value marks a volatile market
	atrVolatileThreshold = 0.05
)

// Snapshot carries the indicator values behind a classification
type Snapshot struct {
	Regime  Regime   `json:"regime"`
	FastEMA *float64 `json:"fast_ema,omitempty"`
	SlowEMA *float64 `json:"slow_ema,omitempty"`
	ADX     *float64 `json:"adx,omitempty"`
	ATRPct  *float64 `json:"atr_pct,omitempty"`
}

// Detector classifies symbols from their daily candle history
type Detector struct {
	log zerolog.Logger
}

// NewDetector creates a new regime detector
func NewDetector(log zerolog.Logger) *Detector {
	return &Detector{
		log: log.With().Str("component", "regime").Logger(),
	}
}

// Detect classifies a symbol from daily candles, newest last. Volatility
// wins over trend: a market can trend hard and still be untradeable.
func (d *Detector) Detect(symbol string, daily []domain.Candle) Snapshot {
	if len(daily) < slowEMAPeriod {
		return Snapshot{Regime: RegimeUnknown}
	}

	highs := make([]float64, len(daily))
	lows := make([]float64, len(daily))
	closes := make([]float64, len(daily))
	for i, c := range daily {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}

	snap := Snapshot{
		FastEMA: formulas.CalculateEMA(closes, fastEMAPeriod),
		SlowEMA: formulas.CalculateEMA(closes, slowEMAPeriod),
		ADX:     formulas.CalculateADX(highs, lows, closes, adxPeriod),
	}
	if atr := formulas.CalculateATR(highs, lows, closes, atrPeriod); atr != nil {
		last := closes[len(closes)-1]
		if last > 0 {
			pct := *atr / last
			snap.ATRPct = &pct
		}
	}

	snap.Regime = classify(snap)
	d.log.Debug().
		Str("symbol", symbol).
		Str("regime", string(snap.Regime)).
		Msg("regime classified")
	return snap
}

func classify(s Snapshot) Regime {
	if s.ATRPct != nil && *s.ATRPct > atrVolatileThreshold {
		return RegimeVolatile
	}
	if s.FastEMA == nil || s.SlowEMA == nil || s.ADX == nil {
		return RegimeUnknown
	}
	if *s.ADX >= adxTrendThreshold {
		if *s.FastEMA > *s.SlowEMA {
			return RegimeTrendingUp
		}
		return RegimeTrendingDown
	}
	return RegimeRanging
}
