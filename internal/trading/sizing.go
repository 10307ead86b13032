// Package trading implements the position lifecycle: sizing, entries, exits,
// pyramiding, order submission with a slippage guard, and the journal that
// mirrors every lifecycle step into persistence and notifications.
package trading

// Notional is the position size in quote currency before conversion to base.
func Notional(balanceQuote, allocationFrac, leverage float64) float64 {
	return balanceQuote * allocationFrac * leverage
}

// Qty converts a quote notional to base quantity at the given price.
func Qty(notional, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return notional / price
}
