package marketdata

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	testingpkg "github.com/chrysalisfund/chrysalis/internal/testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(testingpkg.NewStore(t), zerolog.Nop())
}

func mkCandle(symbol string, tf domain.Timeframe, ts int64, close float64) domain.Candle {
	return domain.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: ts,
		Open:      close - 10,
		High:      close + 20,
		Low:       close - 20,
		Close:     close,
		Volume:    1.5,
	}
}

func TestUpsertCandleRefreshesFormingBucket(t *testing.T) {
	svc := newTestService(t)

	c := mkCandle("BTC/USD", domain.Timeframe5m, 1700000100, 50000)
	require.NoError(t, svc.UpsertCandle(c))

	// Same bucket arrives again with a later close.
	c.Close = 50500
	c.High = 50600
	require.NoError(t, svc.UpsertCandle(c))

	got, err := svc.RecentCandles("BTC/USD", domain.Timeframe5m, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 50500.0, got[0].Close)
	assert.Equal(t, 50600.0, got[0].High)
}

func TestUpsertCandlesBatch(t *testing.T) {
	svc := newTestService(t)

	batch := make([]domain.Candle, 0, 5)
	for i := int64(0); i < 5; i++ {
		batch = append(batch, mkCandle("ETH/USD", domain.Timeframe5m, 1700000000+i*300, 3000+float64(i)))
	}
	require.NoError(t, svc.UpsertCandles(batch))
	require.NoError(t, svc.UpsertCandles(nil))

	got, err := svc.RecentCandles("ETH/USD", domain.Timeframe5m, 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	// Oldest first.
	assert.Equal(t, int64(1700000000), got[0].Timestamp)
	assert.Equal(t, int64(1700001200), got[4].Timestamp)
}

func TestRecentCandlesLimitsAndOrders(t *testing.T) {
	svc := newTestService(t)

	for i := int64(0); i < 20; i++ {
		require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe1h, 1700000000+i*3600, 50000+float64(i))))
	}

	got, err := svc.RecentCandles("BTC/USD", domain.Timeframe1h, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	// The newest five, ascending.
	assert.Equal(t, 50015.0, got[0].Close)
	assert.Equal(t, 50019.0, got[4].Close)
}

func TestCandlesBetweenHalfOpen(t *testing.T) {
	svc := newTestService(t)

	for i := int64(0); i < 10; i++ {
		require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe1h, 1700000000+i*3600, 50000)))
	}

	from := int64(1700000000 + 2*3600)
	to := int64(1700000000 + 5*3600)
	got, err := svc.CandlesBetween("BTC/USD", domain.Timeframe1h, from, to)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, from, got[0].Timestamp)
	assert.Equal(t, to-3600, got[2].Timestamp)
}

func TestLatestClose(t *testing.T) {
	svc := newTestService(t)

	_, ok := svc.LatestClose("BTC/USD")
	assert.False(t, ok)

	require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe5m, 1700000000, 50000)))
	require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe5m, 1700000300, 50100)))

	v, ok := svc.LatestClose("BTC/USD")
	assert.True(t, ok)
	assert.Equal(t, 50100.0, v)
}

func TestMedianSpreadFallsBackWithThinHistory(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, defaultSpread, svc.MedianSpread("BTC/USD"))

	// 20 hourly candles with (high-low)/close = 40/50000.
	for i := int64(0); i < 20; i++ {
		require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe1h, 1700000000+i*3600, 50000)))
	}
	assert.InDelta(t, 40.0/50000.0, svc.MedianSpread("BTC/USD"), 1e-9)
}

func TestBuildSymbolData(t *testing.T) {
	svc := newTestService(t)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe5m, 1700000000+i*300, 50000)))
		require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe1h, 1700000000+i*3600, 50000)))
		require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe1d, 1700000000+i*86400, 50000)))
	}

	data, err := svc.BuildSymbolData("BTC/USD", 50123.0, 1e6, 0.0016, 0.0026)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", data.Symbol)
	assert.Equal(t, 50123.0, data.CurrentPrice)
	assert.Len(t, data.Candles5m, 3)
	assert.Len(t, data.Candles1h, 3)
	assert.Len(t, data.Candles1d, 3)
	assert.Equal(t, 0.0016, data.MakerFeePct)
	assert.Equal(t, 0.0026, data.TakerFeePct)
}

type fakeFetcher struct {
	calls map[int]int64 // interval -> since
}

func (f *fakeFetcher) GetOHLC(symbol string, interval int, since int64) ([]domain.Candle, error) {
	if f.calls == nil {
		f.calls = map[int]int64{}
	}
	f.calls[interval] = since
	tf := domain.Timeframe5m
	step := int64(300)
	switch interval {
	case 60:
		tf, step = domain.Timeframe1h, 3600
	case 1440:
		tf, step = domain.Timeframe1d, 86400
	}
	out := []domain.Candle{
		mkCandle(symbol, tf, since+step, 50000),
		mkCandle(symbol, tf, since+2*step, 50010),
	}
	return out, nil
}

func TestBackfillResumesFromNewest(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.UpsertCandle(mkCandle("BTC/USD", domain.Timeframe5m, 1700000000, 50000)))

	f := &fakeFetcher{}
	require.NoError(t, svc.Backfill(f, "BTC/USD"))

	assert.Equal(t, int64(1700000000), f.calls[5])
	assert.Equal(t, int64(0), f.calls[60]) // nothing stored yet for 1h
	assert.Equal(t, int64(0), f.calls[1440])

	counts, err := svc.CandleCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["5m"])
	assert.Equal(t, int64(2), counts["1h"])
	assert.Equal(t, int64(2), counts["1d"])
}
