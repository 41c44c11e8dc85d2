package portfolio

import "github.com/chrysalisfund/chrysalis/internal/domain"

// DefaultSlippage is the paper-fill slippage factor, five basis points.
const DefaultSlippage = 0.0005

// PaperFillPrice simulates a market fill with symmetric slippage: entries
// fill above the quoted price, exits below.
func PaperFillPrice(action domain.Action, price, slippage float64) float64 {
	if action == domain.ActionBuy {
		return price * (1 + slippage)
	}
	return price * (1 - slippage)
}

// FeePct selects the fee side for an order type. Limit orders rest on the
// book and pay maker; everything else pays taker.
func FeePct(orderType domain.OrderType, makerPct, takerPct float64) float64 {
	if orderType == domain.OrderLimit {
		return makerPct
	}
	return takerPct
}

// SlippageFor resolves a signal's effective slippage factor, honoring the
// per-signal override when set.
func SlippageFor(sig domain.Signal, configured float64) float64 {
	if sig.SlippageTolerance != nil && *sig.SlippageTolerance >= 0 {
		return *sig.SlippageTolerance
	}
	if configured < 0 {
		return DefaultSlippage
	}
	return configured
}

// LimitMarketable reports whether a limit order would fill against the
// current quote: buys need price at or under the limit, exits at or over.
func LimitMarketable(action domain.Action, limitPrice, price float64) bool {
	if action == domain.ActionBuy {
		return price <= limitPrice
	}
	return price >= limitPrice
}

// LimitFillableBar is the bar-resolution version used in replay: a buy
// fills when the bar's low touched the limit, an exit when the high did.
func LimitFillableBar(action domain.Action, limitPrice, low, high float64) bool {
	if action == domain.ActionBuy {
		return low <= limitPrice
	}
	return high >= limitPrice
}

// SellQty resolves a partial SELL's quantity: size_pct of total portfolio
// value at the fill price, capped at the position. size_pct outside
// (0, 1) means the whole position.
func SellQty(totalValue, sizePct, fillPrice, posQty float64) float64 {
	if sizePct <= 0 || sizePct >= 1 || fillPrice <= 0 {
		return posQty
	}
	qty := totalValue * sizePct / fillPrice
	if qty > posQty {
		return posQty
	}
	return qty
}
