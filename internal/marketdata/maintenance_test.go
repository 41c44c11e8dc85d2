package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/domain"
)

func TestRollUpFoldsBuckets(t *testing.T) {
	base := int64(1700000000)
	base -= base % 3600

	src := []domain.Candle{
		{Symbol: "BTC/USD", Timestamp: base, Open: 100, High: 110, Low: 95, Close: 105, Volume: 1},
		{Symbol: "BTC/USD", Timestamp: base + 300, Open: 105, High: 120, Low: 104, Close: 118, Volume: 2},
		{Symbol: "BTC/USD", Timestamp: base + 600, Open: 118, High: 119, Low: 90, Close: 92, Volume: 3},
		{Symbol: "BTC/USD", Timestamp: base + 3600, Open: 92, High: 93, Low: 91, Close: 92, Volume: 1},
		{Symbol: "ETH/USD", Timestamp: base, Open: 10, High: 11, Low: 9, Close: 10, Volume: 5},
	}

	out := rollUp(src, domain.Timeframe1h, 3600)
	require.Len(t, out, 3)

	first := out[0]
	assert.Equal(t, "BTC/USD", first.Symbol)
	assert.Equal(t, domain.Timeframe1h, first.Timeframe)
	assert.Equal(t, base, first.Timestamp)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 120.0, first.High)
	assert.Equal(t, 90.0, first.Low)
	assert.Equal(t, 92.0, first.Close)
	assert.Equal(t, 6.0, first.Volume)

	assert.Equal(t, base+3600, out[1].Timestamp)
	assert.Equal(t, "ETH/USD", out[2].Symbol)
}

func TestRunMaintenanceAggregatesAndPrunes(t *testing.T) {
	svc := newTestService(t)

	now := int64(1700000000)
	now -= now % 86400
	unixNow = func() int64 { return now }
	t.Cleanup(func() { unixNow = func() int64 { return now } })

	// Old 5m candles, 40 days back, two full hours worth.
	old := now - 40*86400
	old -= old % 3600
	for i := int64(0); i < 24; i++ {
		require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe5m, old+i*300, 50000+float64(i))))
	}
	// Fresh 5m candle stays.
	require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe5m, now-300, 51000)))

	// 1d candles from nine years ago get dropped.
	ancient := now - 9*365*86400
	ancient -= ancient % 86400
	require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe1d, ancient, 400)))

	stats, err := svc.RunMaintenance(RetentionPolicy{Days5m: 30, Days1h: 365, Years1d: 7})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Aggregated1h)
	assert.Equal(t, int64(24), stats.Pruned5m)
	assert.Equal(t, int64(1), stats.Pruned1d)

	counts, err := svc.CandleCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["5m"])
	assert.Equal(t, int64(2), counts["1h"])
	assert.Equal(t, int64(0), counts["1d"])

	hourly, err := svc.RecentCandles("BTC/USD", domain.Timeframe1h, 10)
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	// First hour: opens with bar 0, closes with bar 11.
	assert.Equal(t, 50000.0-10, hourly[0].Open)
	assert.Equal(t, 50011.0, hourly[0].Close)
}

func TestRunMaintenanceKeepsExchangeBars(t *testing.T) {
	svc := newTestService(t)

	now := int64(1700000000)
	now -= now % 86400
	unixNow = func() int64 { return now }

	old := now - 40*86400
	old -= old % 3600
	for i := int64(0); i < 12; i++ {
		require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe5m, old+i*300, 50000)))
	}
	// An exchange-provided 1h bar already covers that hour.
	exchangeBar := mkCandle("BTC/USD", domain.Timeframe1h, old, 99999)
	require.NoError(t, svc.UpsertCandle(exchangeBar))

	_, err := svc.RunMaintenance(DefaultRetention)
	require.NoError(t, err)

	hourly, err := svc.RecentCandles("BTC/USD", domain.Timeframe1h, 10)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.Equal(t, 99999.0, hourly[0].Close)
}

func TestRunMaintenanceEmptyStore(t *testing.T) {
	svc := newTestService(t)
	stats, err := svc.RunMaintenance(DefaultRetention)
	require.NoError(t, err)
	assert.Zero(t, stats.Aggregated1h)
	assert.Zero(t, stats.Pruned5m)
}
