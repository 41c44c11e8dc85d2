package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

func TestSpreadFallbackWithThinHistory(t *testing.T) {
	f := newFeed(MarketData{H1: hourly(t0, 100, 100, 100, 100, 100)})
	f.advance(t0 + 5*3600)
	assert.Equal(t, defaultSpread, f.spread())
}

func TestSpreadIsMedianOfIntrabarRange(t *testing.T) {
	// 99 bars with a 1% range plus one wild outlier: the median holds.
	bars := make([]domain.Candle, 100)
	for i := range bars {
		c := bar(t0+int64(i)*3600, 100)
		c.High, c.Low = 100.5, 99.5
		bars[i] = c
	}
	bars[50].High = 150
	bars[50].Low = 50

	f := newFeed(MarketData{H1: bars})
	f.advance(t0 + 200*3600)
	assert.InDelta(t, 0.01, f.spread(), 1e-9)
}

func TestSpreadUsesLastHundredBars(t *testing.T) {
	// Old bars have a huge range, the recent 100 a tight one.
	bars := make([]domain.Candle, 150)
	for i := range bars {
		c := bar(t0+int64(i)*3600, 100)
		if i < 50 {
			c.High, c.Low = 120, 80
		} else {
			c.High, c.Low = 100.5, 99.5
		}
		bars[i] = c
	}
	f := newFeed(MarketData{H1: bars})
	f.advance(t0 + 200*3600)
	assert.InDelta(t, 0.01, f.spread(), 1e-9)
}

func TestFeedCursorsAndSnapshots(t *testing.T) {
	f := newFeed(MarketData{
		H1: hourly(t0, 100, 101, 102),
		M5: []domain.Candle{bar(t0, 100), bar(t0+300, 100), bar(t0+3600, 101)},
	})

	f.advance(t0)
	assert.Equal(t, 1, f.i1)
	assert.Equal(t, 1, f.i5)
	b, ok := f.currentBar()
	require.True(t, ok)
	assert.Equal(t, 100.0, b.Close)
	_, ok = f.barAt(t0)
	assert.True(t, ok)

	f.advance(t0 + 3600)
	assert.Equal(t, 2, f.i1)
	assert.Equal(t, 3, f.i5)
	b, _ = f.currentBar()
	assert.Equal(t, 101.0, b.Close)

	// No bar stamped at a skipped hour, but the stale one still serves.
	f.advance(t0 + 7*3600)
	_, ok = f.barAt(t0 + 7*3600)
	assert.False(t, ok)
	b, ok = f.currentBar()
	require.True(t, ok)
	assert.Equal(t, 102.0, b.Close)
}

func TestHourBarsWindowsOneHour(t *testing.T) {
	var m5 []domain.Candle
	for i := 0; i < 24; i++ { // two hours of 5m bars
		m5 = append(m5, bar(t0+int64(i)*300, 100))
	}
	f := newFeed(MarketData{H1: hourly(t0, 100, 100), M5: m5})

	first := f.hourBars(t0)
	require.Len(t, first, 12)
	assert.Equal(t, t0, first[0].Timestamp)
	assert.Equal(t, t0+11*300, first[11].Timestamp)

	second := f.hourBars(t0 + 3600)
	require.Len(t, second, 12)
	assert.Equal(t, t0+3600, second[0].Timestamp)

	assert.Empty(t, f.hourBars(t0+2*3600))
}

func TestNewFeedSortsUnorderedInput(t *testing.T) {
	shuffled := []domain.Candle{bar(t0+7200, 102), bar(t0, 100), bar(t0+3600, 101)}
	f := newFeed(MarketData{H1: shuffled})
	assert.Equal(t, t0, f.h1[0].Timestamp)
	assert.Equal(t, t0+3600, f.h1[1].Timestamp)
	assert.Equal(t, t0+7200, f.h1[2].Timestamp)
	// The caller's slice is untouched.
	assert.Equal(t, t0+7200, shuffled[0].Timestamp)
}

func TestVolume24hSumsRecentBars(t *testing.T) {
	bars := make([]domain.Candle, 30)
	for i := range bars {
		c := bar(t0+int64(i)*3600, 100)
		c.Volume = 1
		bars[i] = c
	}
	f := newFeed(MarketData{H1: bars})
	f.advance(t0 + 29*3600)
	assert.InDelta(t, 24, f.volume24h(), 1e-9)

	g := newFeed(MarketData{H1: bars[:5]})
	g.advance(t0 + 29*3600)
	assert.InDelta(t, 5, g.volume24h(), 1e-9)
}
