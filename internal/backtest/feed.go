package backtest

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

// defaultSpread stands in when a symbol has too little history for the
// median estimate.
const defaultSpread = 0.002

// MarketData is one symbol's candle history, oldest first. H1 drives the
// replay clock; M5 refines stop/take-profit fills and D1 gives strategies
// the long view. Both are optional.
type MarketData struct {
	M5 []domain.Candle
	H1 []domain.Candle
	D1 []domain.Candle
}

// feed is one symbol's series with monotone cursors. Each cursor counts
// the bars at or before the current tick, so snapshot slices are plain
// re-slices of the master arrays.
type feed struct {
	m5, h1, d1 []domain.Candle
	i5, i1, id int
}

func newFeed(md MarketData) *feed {
	return &feed{
		m5: sortedCopy(md.M5),
		h1: sortedCopy(md.H1),
		d1: sortedCopy(md.D1),
	}
}

func sortedCopy(cs []domain.Candle) []domain.Candle {
	out := make([]domain.Candle, len(cs))
	copy(out, cs)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// advance moves the cursors to cover every bar at or before ts.
func (f *feed) advance(ts int64) {
	for f.i1 < len(f.h1) && f.h1[f.i1].Timestamp <= ts {
		f.i1++
	}
	for f.i5 < len(f.m5) && f.m5[f.i5].Timestamp <= ts {
		f.i5++
	}
	for f.id < len(f.d1) && f.d1[f.id].Timestamp <= ts {
		f.id++
	}
}

// currentBar returns the newest hourly bar at or before the cursor.
func (f *feed) currentBar() (domain.Candle, bool) {
	if f.i1 == 0 {
		return domain.Candle{}, false
	}
	return f.h1[f.i1-1], true
}

// barAt reports the hourly bar stamped exactly ts, if the symbol traded
// this hour.
func (f *feed) barAt(ts int64) (domain.Candle, bool) {
	if f.i1 > 0 && f.h1[f.i1-1].Timestamp == ts {
		return f.h1[f.i1-1], true
	}
	return domain.Candle{}, false
}

// hourBars returns the 5m sub-bars inside the hour starting at ts.
func (f *feed) hourBars(ts int64) []domain.Candle {
	lo := sort.Search(len(f.m5), func(i int) bool { return f.m5[i].Timestamp >= ts })
	hi := sort.Search(len(f.m5), func(i int) bool { return f.m5[i].Timestamp >= ts+3600 })
	return f.m5[lo:hi]
}

// spread estimates the symbol's execution cost as the median intrabar
// range (high-low)/close over the last 100 hourly bars.
func (f *feed) spread() float64 {
	lo := f.i1 - 100
	if lo < 0 {
		lo = 0
	}
	ratios := make([]float64, 0, f.i1-lo)
	for _, c := range f.h1[lo:f.i1] {
		if c.Close > 0 {
			ratios = append(ratios, (c.High-c.Low)/c.Close)
		}
	}
	if len(ratios) < 10 {
		return defaultSpread
	}
	sort.Float64s(ratios)
	return stat.Quantile(0.5, stat.LinInterp, ratios, nil)
}

// volume24h sums the last 24 hourly bars.
func (f *feed) volume24h() float64 {
	lo := f.i1 - 24
	if lo < 0 {
		lo = 0
	}
	var v float64
	for _, c := range f.h1[lo:f.i1] {
		v += c.Volume
	}
	return v
}
