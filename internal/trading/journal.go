package trading

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tradeworker/pkg/types"
)

// Email templates rendered by the notification worker downstream.
const (
	tradeOpenEmailTemplate  = "bot_trade_opened"
	tradeCloseEmailTemplate = "bot_trade_closed"
)

// Journal mirrors every position lifecycle step into persistence: the
// position row, a trade row per fill, an event-log line, an in-app
// notification, and a queued email on entry and exit.
type Journal struct {
	bc     *types.BotContext
	store  Store
	logger *slog.Logger
}

// NewJournal wires a journal for one bot.
func NewJournal(bc *types.BotContext, store Store, logger *slog.Logger) *Journal {
	return &Journal{bc: bc, store: store, logger: logger.With("component", "journal")}
}

// Event appends a line to the bot event log.
func (j *Journal) Event(ctx context.Context, typ, msg string) {
	j.store.WriteEvent(ctx, j.bc.ID, j.bc.UserID, typ, msg)
}

// OnEntry records a freshly opened position and returns its row id.
func (j *Journal) OnEntry(ctx context.Context, direction types.Direction, entryPrice float64, entryTime string, qty float64, order *types.Order, clientOrderID string) (string, error) {
	marginMode := j.bc.Execution.MarginMode
	if marginMode == "" {
		marginMode = "cross"
	}
	payload := map[string]any{
		"symbol":                j.bc.MarketSymbol,
		"exchange":              j.bc.ExchangeID,
		"direction":             string(direction),
		"position_side":         string(direction),
		"entry_price":           entryPrice,
		"entry_time":            entryTime,
		"qty":                   qty,
		"margin_mode":           marginMode,
		"entry_client_order_id": clientOrderID,
	}
	if j.bc.Execution.ExchangeAccountRef != "" {
		payload["exchange_account_ref"] = j.bc.Execution.ExchangeAccountRef
	}
	orderID := ""
	if order != nil {
		orderID = order.ID
		payload["entry_exchange_order_id"] = order.ID
		payload["exchange_payload"] = order.Payload
	}

	positionID, err := j.store.InsertPositionOpen(ctx, j.bc.ID, payload)
	if err != nil {
		return "", err
	}

	entryCID := clientOrderID
	if entryCID == "" {
		entryCID = types.NewClientOrderID(j.bc.ID, "entry")
	}
	trade := map[string]any{
		"user_id":         j.bc.UserID,
		"position_id":     positionID,
		"side":            string(direction.EntrySide()),
		"price":           entryPrice,
		"qty":             qty,
		"executed_at":     entryTime,
		"client_order_id": entryCID,
		"symbol":          j.bc.MarketSymbol,
		"order_type":      "market",
		"order_status":    "entered",
		"reduce_only":     false,
	}
	if order != nil {
		trade["exchange_payload"] = order.Payload
	}
	if err := j.store.UpsertTrade(ctx, j.bc.ID, orderID, trade); err != nil {
		j.logger.Warn("entry trade row failed", "position_id", positionID, "error", err)
	}

	j.store.Notify(ctx, j.bc.ID, "trade_opened",
		fmt.Sprintf("Entered %s", strings.ToUpper(string(direction))),
		fmt.Sprintf("price=%.6f qty=%v", entryPrice, qty),
		"info",
		map[string]any{"position_id": positionID, "direction": string(direction), "price": entryPrice, "qty": qty},
	)

	email := j.contextPayload()
	email["position_id"] = positionID
	email["direction"] = string(direction)
	email["price"] = entryPrice
	email["qty"] = qty
	j.store.QueueEmail(ctx, j.bc.UserID, j.bc.ID, "trade_opened", tradeOpenEmailTemplate, email, 0, 0, positionID)

	return positionID, nil
}

// OnPyramid records one scale-in fill.
func (j *Journal) OnPyramid(ctx context.Context, positionID string, direction types.Direction, price, qty float64, executedAt string, order *types.Order, clientOrderID string) {
	orderID := ""
	cid := clientOrderID
	if cid == "" {
		cid = types.NewClientOrderID(j.bc.ID, "pyramid")
	}
	trade := map[string]any{
		"user_id":         j.bc.UserID,
		"position_id":     positionID,
		"side":            string(direction.EntrySide()),
		"price":           price,
		"qty":             qty,
		"executed_at":     executedAt,
		"client_order_id": cid,
		"symbol":          j.bc.MarketSymbol,
		"order_type":      "market",
		"order_status":    "scaled",
		"reduce_only":     false,
	}
	if order != nil {
		orderID = order.ID
		trade["exchange_payload"] = order.Payload
	}
	if err := j.store.UpsertTrade(ctx, j.bc.ID, orderID, trade); err != nil {
		j.logger.Warn("pyramid trade row failed", "position_id", positionID, "error", err)
	}

	j.store.Notify(ctx, j.bc.ID, "trade_scaled",
		fmt.Sprintf("Scaled %s", strings.ToUpper(string(direction))),
		fmt.Sprintf("price=%.6f qty=%v", price, qty),
		"info",
		map[string]any{"position_id": positionID, "direction": string(direction), "price": price, "qty": qty},
	)
}

// OnExit closes the position row and records the reducing fill.
func (j *Journal) OnExit(ctx context.Context, positionID string, direction types.Direction, exitPrice float64, exitTime time.Time, qty, realizedPnL float64, reason string, order *types.Order, clientOrderID string) error {
	extra := map[string]any{"exit_reason": reason}
	orderID := ""
	if order != nil {
		orderID = order.ID
		extra["exit_exchange_order_id"] = order.ID
		extra["exchange_payload"] = order.Payload
	}
	if clientOrderID != "" {
		extra["exit_client_order_id"] = clientOrderID
	}
	if err := j.store.ClosePosition(ctx, j.bc.ID, positionID, exitPrice, exitTime, realizedPnL, extra); err != nil {
		return err
	}

	exitISO := exitTime.UTC().Format(time.RFC3339)
	cid := clientOrderID
	if cid == "" {
		cid = types.NewClientOrderID(j.bc.ID, "exit")
	}
	trade := map[string]any{
		"user_id":         j.bc.UserID,
		"position_id":     positionID,
		"side":            string(direction.ExitSide()),
		"price":           exitPrice,
		"qty":             qty,
		"pnl":             realizedPnL,
		"executed_at":     exitISO,
		"client_order_id": cid,
		"symbol":          j.bc.MarketSymbol,
		"order_type":      "market",
		"order_status":    "exited",
		"reduce_only":     true,
	}
	if order != nil {
		trade["exchange_payload"] = order.Payload
	}
	if err := j.store.UpsertTrade(ctx, j.bc.ID, orderID, trade); err != nil {
		j.logger.Warn("exit trade row failed", "position_id", positionID, "error", err)
	}

	j.Event(ctx, "trade", fmt.Sprintf("EXIT %s %s price=%.6f pnl=%.4f", direction, reason, exitPrice, realizedPnL))

	severity := "info"
	if realizedPnL < 0 {
		severity = "warning"
	}
	j.store.Notify(ctx, j.bc.ID, "trade_closed",
		fmt.Sprintf("Exited %s", strings.ToUpper(string(direction))),
		fmt.Sprintf("%s price=%.6f pnl=%.4f", reason, exitPrice, realizedPnL),
		severity,
		map[string]any{
			"position_id": positionID,
			"direction":   string(direction),
			"price":       exitPrice,
			"qty":         qty,
			"pnl":         realizedPnL,
			"reason":      reason,
		},
	)

	email := j.contextPayload()
	email["position_id"] = positionID
	email["direction"] = string(direction)
	email["price"] = exitPrice
	email["qty"] = qty
	email["pnl"] = realizedPnL
	email["reason"] = reason
	j.store.QueueEmail(ctx, j.bc.UserID, j.bc.ID, "trade_closed", tradeCloseEmailTemplate, email, 0, 0, positionID)

	return nil
}

// contextPayload is the bot metadata attached to every queued email.
func (j *Journal) contextPayload() map[string]any {
	return map[string]any{
		"bot_id":   j.bc.ID,
		"bot_name": j.bc.Name,
		"user_id":  j.bc.UserID,
		"strategy": j.bc.StrategyKey,
		"mode":     string(j.bc.Mode),
		"exchange": j.bc.ExchangeID,
		"market":   j.bc.MarketSymbol,
	}
}
