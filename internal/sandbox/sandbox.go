// Package sandbox validates externally generated code before anything loads
// it. Validation is fail-closed: a parse error, a forbidden construct, a
// load failure, or a smoke-test crash each block deployment. Shape issues
// that a strategy could survive in production (size_pct out of range,
// unknown action) come back as warnings.
package sandbox

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/analysis"
	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/store"
	"github.com/chrysalisfund/chrysalis/internal/strategy"
)

// Result is a validation verdict. Passed=false is an unconditional
// deployment block; warnings never block.
type Result struct {
	Passed   bool     `json:"passed"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Sandbox runs both validation variants. Each validation builds throwaway
// runtimes and stores, so one Sandbox serves the whole process.
type Sandbox struct {
	log          zerolog.Logger
	smokeTimeout time.Duration
}

// New builds a sandbox with the default 5s smoke timeout.
func New(log zerolog.Logger) *Sandbox {
	return &Sandbox{
		log:          log.With().Str("component", "sandbox").Logger(),
		smokeTimeout: 5 * time.Second,
	}
}

// SetSmokeTimeout overrides the smoke-test watchdog.
func (s *Sandbox) SetSmokeTimeout(d time.Duration) {
	if d > 0 {
		s.smokeTimeout = d
	}
}

// ValidateStrategy checks strategy code: AST inspection, load, then a
// smoke run over synthetic 100-bar data for three symbols.
func (s *Sandbox) ValidateStrategy(code string) Result {
	var res Result
	if errs := inspect(code, strategyRules); len(errs) > 0 {
		res.Errors = errs
		s.log.Warn().Strs("errors", errs).Msg("strategy rejected by inspection")
		return res
	}
	s.smokeStrategy(code, &res)
	res.Passed = len(res.Errors) == 0
	return res
}

// ValidateAnalysis checks analysis-module code: AST inspection, then a
// smoke run against an empty in-memory store with the canonical schema.
func (s *Sandbox) ValidateAnalysis(code string) Result {
	var res Result
	if errs := inspect(code, analysisRules); len(errs) > 0 {
		res.Errors = errs
		s.log.Warn().Strs("errors", errs).Msg("analysis module rejected by inspection")
		return res
	}
	s.smokeAnalysis(code, &res)
	res.Passed = len(res.Errors) == 0
	return res
}

var smokeSymbols = []string{"BTC/USD", "ETH/USD", "SOL/USD"}

func smokeLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxPositionPct:            0.25,
		MaxPositions:              5,
		MaxDailyLossPct:           0.05,
		MaxDailyTrades:            20,
		MaxTradePct:               0.10,
		DefaultTradePct:           0.05,
		MaxDrawdownPct:            0.15,
		RollbackConsecutiveLosses: 5,
	}
}

func (s *Sandbox) smokeStrategy(code string, res *Result) {
	inst, err := strategy.NewInstance(code, 0, s.log)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	inst.SetCallTimeout(s.smokeTimeout)

	if err := inst.Initialize(smokeLimits(), smokeSymbols); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("initialize failed: %v", err))
		return
	}

	pf := domain.Portfolio{Cash: 10000, TotalValue: 10000, Positions: []domain.Position{}}
	sigs, err := inst.Analyze(syntheticMarkets(), pf, time.Unix(syntheticEnd, 0))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("analyze failed: %v", err))
		return
	}

	for i, sig := range sigs {
		if sig.Symbol == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("signal %d has no symbol", i))
		}
		switch sig.Action {
		case domain.ActionBuy, domain.ActionSell, domain.ActionClose, domain.ActionModify:
		default:
			res.Warnings = append(res.Warnings, fmt.Sprintf("signal %d has unknown action %q", i, sig.Action))
		}
		if sig.SizePct < 0 || sig.SizePct > 1 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("signal %d size_pct %.4f outside [0, 1]", i, sig.SizePct))
		}
	}
}

func (s *Sandbox) smokeAnalysis(code string, res *Result) {
	mem, err := store.OpenMemory(zerolog.Nop())
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to open smoke store: %v", err))
		return
	}
	defer mem.Close()

	runner := analysis.NewRunner(store.NewReadOnly(mem), s.log)
	runner.SetTimeout(s.smokeTimeout)
	if _, err := runner.Run(code); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("analysis smoke failed: %v", err))
	}
}

// syntheticEnd anchors the synthetic data so smoke runs are reproducible.
const syntheticEnd int64 = 1700000000

// syntheticMarkets builds a deterministic random walk, 100 bars per
// timeframe per symbol.
func syntheticMarkets() map[string]domain.SymbolData {
	rng := rand.New(rand.NewSource(42))
	starts := map[string]float64{"BTC/USD": 50000, "ETH/USD": 3000, "SOL/USD": 150}

	markets := make(map[string]domain.SymbolData, len(smokeSymbols))
	for _, symbol := range smokeSymbols {
		start := starts[symbol]
		c5m, _ := syntheticCandles(rng, symbol, domain.Timeframe5m, 300, start)
		c1h, _ := syntheticCandles(rng, symbol, domain.Timeframe1h, 3600, start)
		c1d, last := syntheticCandles(rng, symbol, domain.Timeframe1d, 86400, start)
		markets[symbol] = domain.SymbolData{
			Symbol:       symbol,
			CurrentPrice: last,
			Candles5m:    c5m,
			Candles1h:    c1h,
			Candles1d:    c1d,
			Spread:       last * 0.0002,
			Volume24h:    1000 + rng.Float64()*9000,
			MakerFeePct:  0.0025,
			TakerFeePct:  0.004,
		}
	}
	return markets
}

func syntheticCandles(rng *rand.Rand, symbol string, tf domain.Timeframe, step int64, start float64) ([]domain.Candle, float64) {
	const n = 100
	price := start
	out := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		open := price
		close := price * (1 + (rng.Float64()-0.5)*0.02)
		high := math.Max(open, close) * (1 + rng.Float64()*0.005)
		low := math.Min(open, close) * (1 - rng.Float64()*0.005)
		out[i] = domain.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: syntheticEnd - int64(n-i)*step,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1 + rng.Float64()*10,
		}
		price = close
	}
	return out, price
}
