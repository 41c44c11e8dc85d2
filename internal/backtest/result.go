package backtest

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Result is the aggregate outcome of one run. Percent fields are
// fractions, matching the risk limit conventions.
type Result struct {
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	GrossPnL       float64 `json:"gross_pnl"`
	TotalFees      float64 `json:"total_fees"`
	NetPnL         float64 `json:"net_pnl"`
	WinRate        float64 `json:"win_rate"`
	Expectancy     float64 `json:"expectancy"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Sharpe         float64 `json:"sharpe"`
	LimitAttempted int     `json:"limit_orders_attempted"`
	LimitFilled    int     `json:"limit_orders_filled"`
	LimitFillRate  float64 `json:"limit_fill_rate"`
	StartDate      string  `json:"start_date"`
	EndDate        string  `json:"end_date"`
	TotalDays      int     `json:"total_days"`
	InitialBalance float64 `json:"initial_balance"`
	FinalValue     float64 `json:"final_value"`
}

func (e *Engine) buildResult(st *runState, hours []int64) *Result {
	r := &Result{
		Trades:         len(st.trades),
		LimitAttempted: st.limitAttempted,
		LimitFilled:    st.limitFilled,
		TotalDays:      len(st.dailyValues),
		InitialBalance: e.cfg.InitialBalance,
		FinalValue:     e.cfg.InitialBalance,
	}
	if len(hours) > 0 {
		r.StartDate = time.Unix(hours[0], 0).In(e.cfg.Timezone).Format("2006-01-02")
		r.EndDate = time.Unix(hours[len(hours)-1], 0).In(e.cfg.Timezone).Format("2006-01-02")
	}
	if n := len(st.dailyValues); n > 0 {
		r.FinalValue = st.dailyValues[n-1]
	}

	var sumWin, sumLoss float64
	for _, tr := range st.trades {
		r.NetPnL += tr.PnL
		r.TotalFees += tr.FeesTotal
		r.GrossPnL += tr.PnL + tr.FeesTotal
		if tr.PnL >= 0 {
			r.Wins++
			sumWin += tr.PnL
		} else {
			r.Losses++
			sumLoss -= tr.PnL
		}
	}
	if r.Trades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.Trades)
	}
	var avgWin, avgLoss float64
	if r.Wins > 0 {
		avgWin = sumWin / float64(r.Wins)
	}
	if r.Losses > 0 {
		avgLoss = sumLoss / float64(r.Losses)
	}
	r.Expectancy = r.WinRate*avgWin - (1-r.WinRate)*avgLoss
	if sumLoss > 0 {
		r.ProfitFactor = sumWin / sumLoss
	} else {
		// No losing trades. Stay finite so the result survives JSON.
		r.ProfitFactor = sumWin
	}
	if st.limitAttempted > 0 {
		r.LimitFillRate = float64(st.limitFilled) / float64(st.limitAttempted)
	}

	peak := e.cfg.InitialBalance
	prev := e.cfg.InitialBalance
	returns := make([]float64, 0, len(st.dailyValues))
	for _, v := range st.dailyValues {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > r.MaxDrawdownPct {
				r.MaxDrawdownPct = dd
			}
		}
		if prev > 0 {
			returns = append(returns, v/prev-1)
		}
		prev = v
	}
	if len(returns) >= 2 {
		if sd := stat.StdDev(returns, nil); sd > 0 {
			r.Sharpe = stat.Mean(returns, nil) / sd * math.Sqrt(365)
		}
	}
	return r
}
