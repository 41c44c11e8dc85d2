package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToKrakenPair(t *testing.T) {
	assert.Equal(t, "XBTUSD", ToKrakenPair("BTC/USD"))
	assert.Equal(t, "ETHUSD", ToKrakenPair("ETH/USD"))
	assert.Equal(t, "SOLUSD", ToKrakenPair("SOL/USD"))
}

func TestToKrakenWSPair(t *testing.T) {
	assert.Equal(t, "XBT/USD", ToKrakenWSPair("BTC/USD"))
	assert.Equal(t, "ETH/USD", ToKrakenWSPair("ETH/USD"))
}

func TestFromKrakenPair(t *testing.T) {
	cases := map[string]string{
		"XXBTZUSD": "BTC/USD", // classified REST form
		"XETHZUSD": "ETH/USD",
		"XBT/USD":  "BTC/USD", // WebSocket form
		"ETH/USD":  "ETH/USD",
		"XBTUSD":   "BTC/USD", // altname form
		"SOLUSD":   "SOL/USD",
	}
	for in, want := range cases {
		assert.Equal(t, want, FromKrakenPair(in), "input %s", in)
	}
}

func TestNormalizeAsset(t *testing.T) {
	assert.Equal(t, "USD", normalizeAsset("ZUSD"))
	assert.Equal(t, "BTC", normalizeAsset("XXBT"))
	assert.Equal(t, "ETH", normalizeAsset("XETH"))
	assert.Equal(t, "SOL", normalizeAsset("SOL"))
	assert.Equal(t, "BTC", normalizeAsset("XBT"))
}
