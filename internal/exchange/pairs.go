package exchange

import "strings"

// Kraken predates the BTC ticker and still calls it XBT. Everything else
// passes through unchanged.
var toKrakenBase = map[string]string{
	"BTC": "XBT",
}

var fromKrakenBase = map[string]string{
	"XBT": "BTC",
}

// ToKrakenPair converts "BTC/USD" to the REST pair name "XBTUSD".
func ToKrakenPair(symbol string) string {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return symbol
	}
	if mapped, ok := toKrakenBase[base]; ok {
		base = mapped
	}
	return base + quote
}

// ToKrakenWSPair converts "BTC/USD" to the WebSocket pair name "XBT/USD".
func ToKrakenWSPair(symbol string) string {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return symbol
	}
	if mapped, ok := toKrakenBase[base]; ok {
		base = mapped
	}
	return base + "/" + quote
}

// FromKrakenPair converts a Kraken pair name back to "BTC/USD" form.
// REST responses key results by classified names like "XXBTZUSD";
// WebSocket messages use "XBT/USD"; older pairs use plain "XBTUSD".
func FromKrakenPair(pair string) string {
	if base, quote, ok := strings.Cut(pair, "/"); ok {
		return normalizeBase(base) + "/" + quote
	}
	// Classified form: X<base>Z<quote>, both three letters
	if len(pair) == 8 && pair[0] == 'X' && pair[4] == 'Z' {
		return normalizeBase(pair[1:4]) + "/" + pair[5:]
	}
	// Altname form: <base><quote> with a three or four letter base
	for _, quote := range []string{"USD", "EUR", "GBP", "USDT", "USDC"} {
		if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
			return normalizeBase(pair[:len(pair)-len(quote)]) + "/" + quote
		}
	}
	return pair
}

func normalizeBase(base string) string {
	if mapped, ok := fromKrakenBase[base]; ok {
		return mapped
	}
	return base
}
