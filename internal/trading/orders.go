package trading

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"tradeworker/internal/exchange"
	"tradeworker/internal/health"
	"tradeworker/pkg/types"
)

// Submitter sends market orders with a slippage guard and records the
// submit/ack/reject trail on the health reporter. Paper bots log the intent
// and skip the exchange entirely.
type Submitter struct {
	botID  string
	userID string
	symbol string

	ex       exchange.Capability
	store    Store
	reporter *health.Reporter
	logger   *slog.Logger
	now      func() time.Time
}

// NewSubmitter wires a submitter for one bot and market.
func NewSubmitter(bc *types.BotContext, ex exchange.Capability, store Store, reporter *health.Reporter, logger *slog.Logger) *Submitter {
	return &Submitter{
		botID:    bc.ID,
		userID:   bc.UserID,
		symbol:   bc.MarketSymbol,
		ex:       ex,
		store:    store,
		reporter: reporter,
		logger:   logger.With("component", "orders"),
		now:      time.Now,
	}
}

// SendRequest describes one market order.
type SendRequest struct {
	Side           types.Side
	Qty            float64
	DryRun         bool
	ExpectedPrice  float64
	MaxSlippageBPS int
	ReduceOnly     bool
	PositionID     string
	Purpose        string // folded into the client order id
}

// Send submits a market order. Qty ≤ 0 is a no-op. A client order id is
// minted for every attempt, including dry runs, so the caller can journal it.
// On failure the error is classified and recorded as an order reject before
// being returned.
func (s *Submitter) Send(ctx context.Context, req SendRequest) (*types.Order, string, error) {
	if req.Qty <= 0 {
		return nil, "", nil
	}
	clientOrderID := types.NewClientOrderID(s.botID, req.Purpose)

	if req.DryRun {
		s.logger.Info("dry run order",
			"side", req.Side, "qty", req.Qty, "symbol", s.symbol)
		s.reporter.RecordOrderSubmit()
		return nil, clientOrderID, nil
	}

	s.reporter.RecordOrderSubmit()
	order, err := s.place(ctx, req, clientOrderID)
	if err != nil {
		s.reporter.RecordOrderReject(health.ClassifyError(err))
		return nil, clientOrderID, err
	}
	return order, clientOrderID, nil
}

func (s *Submitter) place(ctx context.Context, req SendRequest, clientOrderID string) (*types.Order, error) {
	start := s.now()

	ticker, err := s.ex.FetchTicker(ctx)
	if err != nil {
		return nil, err
	}
	live := ticker.Price()
	if live <= 0 {
		live = req.ExpectedPrice
	}
	slip := bpsDiff(live, req.ExpectedPrice)
	if req.MaxSlippageBPS > 0 && slip > float64(req.MaxSlippageBPS) {
		return nil, health.Tag(health.ReasonSlippageGuard, fmt.Errorf(
			"slippage guard: live=%v expected=%v slip=%.1fbps > %dbps",
			live, req.ExpectedPrice, slip, req.MaxSlippageBPS))
	}

	s.logger.Info("submitting order",
		"side", req.Side, "qty", req.Qty, "symbol", s.symbol,
		"reduce_only", req.ReduceOnly, "slippage_bps", slip)

	order, err := s.ex.CreateOrder(ctx, req.Side, req.Qty, clientOrderID, req.ReduceOnly)
	if err != nil {
		return nil, err
	}
	s.reporter.RecordOrderAck(s.now().Sub(start))

	if order != nil && order.ID != "" {
		s.logOrderRow(ctx, req, order, clientOrderID)
	}
	return order, nil
}

// logOrderRow mirrors the submission into the trade table. The order is
// already live, so a persistence failure here is logged, not returned.
func (s *Submitter) logOrderRow(ctx context.Context, req SendRequest, order *types.Order, clientOrderID string) {
	status := order.Status
	if status == "" {
		status = "open"
	}
	payload := map[string]any{
		"user_id":          s.userID,
		"client_order_id":  clientOrderID,
		"symbol":           s.symbol,
		"side":             string(req.Side),
		"order_type":       "market",
		"reduce_only":      req.ReduceOnly,
		"order_status":     status,
		"order_amount":     order.Filled,
		"order_price":      order.PriceOr(req.ExpectedPrice),
		"exchange_payload": order.Payload,
	}
	if req.PositionID != "" {
		payload["position_id"] = req.PositionID
	}
	if err := s.store.UpsertTrade(ctx, s.botID, order.ID, payload); err != nil {
		s.logger.Warn("order row logging failed",
			"exchange_order_id", order.ID, "error", err)
	}
}

func bpsDiff(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return math.Abs(a-b) / b * 10000
}
