// Package exchange defines the capability interface the worker needs from an
// exchange and implements it for Binance USD-M futures.
//
// The adapter is bound to a single market symbol at construction. Errors
// crossing this boundary carry a health reason code where the SDK exposes
// enough to classify them.
package exchange

import (
	"context"

	"tradeworker/pkg/types"
)

// Capability is everything the trading core asks of an exchange.
type Capability interface {
	// FetchTicker returns the latest traded price.
	FetchTicker(ctx context.Context) (types.Ticker, error)

	// FetchOHLCV returns up to limit closed bars of the given timeframe,
	// oldest first.
	FetchOHLCV(ctx context.Context, timeframe string, limit int) ([]types.Candle, error)

	// FetchQuoteBalance returns the free balance of the market's quote asset.
	FetchQuoteBalance(ctx context.Context) (float64, error)

	// CreateOrder submits a market order with a client order id for
	// idempotency. reduceOnly marks closing orders.
	CreateOrder(ctx context.Context, side types.Side, qty float64, clientOrderID string, reduceOnly bool) (*types.Order, error)

	// FetchOrderByID looks up a previously submitted order.
	FetchOrderByID(ctx context.Context, orderID string) (*types.Order, error)

	// FetchPositionForSymbol returns the exchange's view of the open position,
	// or nil when the exchange reports flat.
	FetchPositionForSymbol(ctx context.Context) (*types.ExchangePosition, error)

	// FetchClosedPnLSince looks for evidence that the position was closed on
	// the exchange side after sinceMs (unix milliseconds).
	FetchClosedPnLSince(ctx context.Context, sinceMs int64) (*types.ClosedPnL, error)
}
