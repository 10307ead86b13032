package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"tradeworker/internal/health"
	"tradeworker/pkg/types"
)

const defaultQuantityPrecision = 3

// Binance adapts the USD-M futures API to the Capability interface. It is
// bound to one market and caches the symbol's quantity precision.
type Binance struct {
	client *futures.Client
	logger *slog.Logger

	marketSymbol string // "BTC/USDT"
	symbol       string // "BTCUSDT"
	quoteAsset   string

	qtyPrecision int
}

// NewBinance creates the adapter and resolves the symbol's precision from
// exchange info, falling back to a safe default when the call fails.
func NewBinance(ctx context.Context, apiKey, apiSecret, marketSymbol string, logger *slog.Logger) *Binance {
	b := &Binance{
		client:       futures.NewClient(apiKey, apiSecret),
		logger:       logger.With("component", "exchange"),
		marketSymbol: marketSymbol,
		symbol:       FuturesSymbol(marketSymbol),
		quoteAsset:   types.QuoteCurrency(marketSymbol),
		qtyPrecision: defaultQuantityPrecision,
	}
	if err := b.loadPrecision(ctx); err != nil {
		b.logger.Warn("exchange info lookup failed, using default precision",
			"symbol", b.symbol, "precision", b.qtyPrecision, "error", err)
	}
	return b
}

// FuturesSymbol maps "BASE/QUOTE" to the futures wire symbol "BASEQUOTE".
func FuturesSymbol(marketSymbol string) string {
	s := strings.ReplaceAll(marketSymbol, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ToUpper(s)
}

func (b *Binance) loadPrecision(ctx context.Context) error {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return classify(fmt.Errorf("exchange info: %w", err))
	}
	for _, s := range info.Symbols {
		if s.Symbol == b.symbol {
			b.qtyPrecision = s.QuantityPrecision
			return nil
		}
	}
	return fmt.Errorf("symbol %s not in exchange info", b.symbol)
}

// FormatQuantity truncates a quantity to the symbol's precision.
func (b *Binance) FormatQuantity(qty float64) string {
	return decimal.NewFromFloat(qty).Truncate(int32(b.qtyPrecision)).String()
}

func (b *Binance) FetchTicker(ctx context.Context) (types.Ticker, error) {
	prices, err := b.client.NewListPricesService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return types.Ticker{}, classify(fmt.Errorf("fetch ticker %s: %w", b.symbol, err))
	}
	for _, p := range prices {
		if p.Symbol == b.symbol {
			last := parseFloat(p.Price)
			return types.Ticker{Last: last, Close: last}, nil
		}
	}
	return types.Ticker{}, fmt.Errorf("fetch ticker: no price for %s", b.symbol)
}

func (b *Binance) FetchOHLCV(ctx context.Context, timeframe string, limit int) ([]types.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(b.symbol).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("fetch ohlcv %s %s: %w", b.symbol, timeframe, err))
	}
	candles := make([]types.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, types.Candle{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   parseFloat(k.Open),
			High:   parseFloat(k.High),
			Low:    parseFloat(k.Low),
			Close:  parseFloat(k.Close),
			Volume: parseFloat(k.Volume),
		})
	}
	return candles, nil
}

func (b *Binance) FetchQuoteBalance(ctx context.Context) (float64, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("fetch balance: %w", err))
	}
	for _, bal := range balances {
		if bal.Asset == b.quoteAsset {
			return parseFloat(bal.AvailableBalance), nil
		}
	}
	return 0, nil
}

func (b *Binance) CreateOrder(ctx context.Context, side types.Side, qty float64, clientOrderID string, reduceOnly bool) (*types.Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(b.symbol).
		Side(binanceSide(side)).
		Type(futures.OrderTypeMarket).
		Quantity(b.FormatQuantity(qty)).
		NewClientOrderID(clientOrderID)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("create order %s %s: %w", side, b.symbol, err))
	}
	return &types.Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        strings.ToLower(string(resp.Status)),
		Filled:        parseFloat(resp.ExecutedQuantity),
		Average:       parseFloat(resp.AvgPrice),
		Payload: map[string]any{
			"orderId":       resp.OrderID,
			"clientOrderId": resp.ClientOrderID,
			"status":        string(resp.Status),
			"executedQty":   resp.ExecutedQuantity,
			"avgPrice":      resp.AvgPrice,
			"updateTime":    resp.UpdateTime,
		},
	}, nil
}

func (b *Binance) FetchOrderByID(ctx context.Context, orderID string) (*types.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("fetch order: bad order id %q: %w", orderID, err)
	}
	o, err := b.client.NewGetOrderService().Symbol(b.symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("fetch order %s: %w", orderID, err))
	}
	return &types.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Status:        strings.ToLower(string(o.Status)),
		Filled:        parseFloat(o.ExecutedQuantity),
		Average:       parseFloat(o.AvgPrice),
		Payload: map[string]any{
			"orderId":       o.OrderID,
			"clientOrderId": o.ClientOrderID,
			"status":        string(o.Status),
			"executedQty":   o.ExecutedQuantity,
			"avgPrice":      o.AvgPrice,
			"updateTime":    o.UpdateTime,
		},
	}, nil
}

func (b *Binance) FetchPositionForSymbol(ctx context.Context) (*types.ExchangePosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(b.symbol).Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("fetch position %s: %w", b.symbol, err))
	}
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if r.Symbol != b.symbol || amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		return &types.ExchangePosition{
			Qty:           amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Side:          side,
			MarginMode:    strings.ToLower(r.MarginType),
			PositionKey:   r.Symbol + ":" + string(r.PositionSide),
			Payload: map[string]any{
				"symbol":           r.Symbol,
				"positionAmt":      r.PositionAmt,
				"entryPrice":       r.EntryPrice,
				"markPrice":        r.MarkPrice,
				"unRealizedProfit": r.UnRealizedProfit,
				"marginType":       r.MarginType,
				"positionSide":     string(r.PositionSide),
				"leverage":         r.Leverage,
			},
		}, nil
	}
	return nil, nil
}

// FetchClosedPnLSince reads account trades after sinceMs; reducing fills are
// the closure evidence. When the trade endpoint fails, realized-PnL income
// history confirms closure without price detail.
func (b *Binance) FetchClosedPnLSince(ctx context.Context, sinceMs int64) (*types.ClosedPnL, error) {
	trades, err := b.client.NewListAccountTradeService().
		Symbol(b.symbol).
		StartTime(sinceMs).
		Limit(50).
		Do(ctx)
	if err == nil {
		if len(trades) == 0 {
			return &types.ClosedPnL{}, nil
		}
		latest := trades[len(trades)-1]
		return &types.ClosedPnL{
			ConfirmedClosed: true,
			ExitPrice:       parseFloat(latest.Price),
			ExitTime:        time.UnixMilli(latest.Time).UTC(),
			OrderID:         strconv.FormatInt(latest.OrderID, 10),
			Payload: map[string]any{
				"tradeId":     latest.ID,
				"orderId":     latest.OrderID,
				"price":       latest.Price,
				"qty":         latest.Quantity,
				"realizedPnl": latest.RealizedPnl,
				"side":        string(latest.Side),
				"time":        latest.Time,
			},
		}, nil
	}
	b.logger.Warn("account trade lookup failed, trying income history", "error", err)

	incomes, err2 := b.client.NewGetIncomeHistoryService().
		Symbol(b.symbol).
		IncomeType("REALIZED_PNL").
		StartTime(sinceMs).
		Limit(50).
		Do(ctx)
	if err2 != nil {
		return nil, classify(fmt.Errorf("fetch closed pnl %s: %w", b.symbol, err2))
	}
	if len(incomes) == 0 {
		return &types.ClosedPnL{}, nil
	}
	latest := incomes[len(incomes)-1]
	return &types.ClosedPnL{
		ConfirmedClosed: true,
		ExitTime:        time.UnixMilli(latest.Time).UTC(),
		Payload: map[string]any{
			"income":     latest.Income,
			"incomeType": latest.IncomeType,
			"time":       latest.Time,
			"tranId":     latest.TranID,
		},
	}, nil
}

func binanceSide(side types.Side) futures.SideType {
	if side == types.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// classify tags SDK errors with a reason code based on the Binance error
// code so health classification does not depend on message text.
func classify(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case -2014, -2015:
		return health.Tag(health.ReasonInvalidAPIKey, err)
	case -2010, -2019:
		return health.Tag(health.ReasonInsufficientBalance, err)
	case -1003, -1015:
		return health.Tag(health.ReasonRateLimit, err)
	case -4164:
		return health.Tag(health.ReasonMinNotional, err)
	}
	return err
}
