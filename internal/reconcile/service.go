// Package reconcile detects and repairs drift between the local position row
// and the exchange of record. It runs once at startup and then on a cadence
// derived from the trading timeframe; a failure is fatal for the loop because
// trading against an unverified book is worse than halting.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradeworker/internal/exchange"
	"tradeworker/pkg/types"
)

// ErrExchangeSync marks reconciliation failures. The loop treats any error
// wrapping it as unrecoverable.
var ErrExchangeSync = errors.New("exchange sync failed")

// requiredFields must all be present on an open row before it can be checked
// against the exchange.
var requiredFields = []string{
	"symbol",
	"entry_exchange_order_id",
	"entry_client_order_id",
	"position_side",
	"direction",
}

// Store is the slice of the persistence client the sync service uses.
type Store interface {
	GetOpenPosition(ctx context.Context, botID string) *types.PositionRow
	UpdatePositionFromExchange(ctx context.Context, botID string, payload map[string]any) error
	ClosePosition(ctx context.Context, botID, positionID string, exitPrice float64, exitTime time.Time, realizedPnL float64, extra map[string]any) error
	SetExchangeSyncStatus(ctx context.Context, botID, status string) error
}

// Service reconciles the open position row against the exchange.
type Service struct {
	bc     *types.BotContext
	ex     exchange.Capability
	store  Store
	logger *slog.Logger

	interval   time.Duration
	nextSyncAt time.Time
	now        func() time.Time
}

// NewService computes the sync cadence from the execution timeframe.
func NewService(bc *types.BotContext, ex exchange.Capability, store Store, logger *slog.Logger) *Service {
	return &Service{
		bc:       bc,
		ex:       ex,
		store:    store,
		logger:   logger.With("component", "exchange_sync"),
		interval: Interval(bc.Execution.Timeframe),
		now:      time.Now,
	}
}

// Interval is min(2 × timeframe, 10 min) with a floor of 5 min. Timeframes
// under 5 minutes would otherwise hammer the exchange for no added safety.
func Interval(timeframe string) time.Duration {
	tf := time.Duration(types.TimeframeSeconds(timeframe)) * time.Second
	if tf < 5*time.Minute {
		return 5 * time.Minute
	}
	interval := 2 * tf
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	return interval
}

// StartupSync runs one unconditional reconciliation pass.
func (s *Service) StartupSync(ctx context.Context) error {
	return s.runSync(ctx)
}

// MaybeSync runs a pass when the cadence is due, otherwise returns nil.
func (s *Service) MaybeSync(ctx context.Context) error {
	now := s.now()
	if now.Before(s.nextSyncAt) {
		return nil
	}
	s.nextSyncAt = now.Add(s.interval)
	return s.runSync(ctx)
}

func (s *Service) runSync(ctx context.Context) error {
	row := s.store.GetOpenPosition(ctx, s.bc.ID)
	if row == nil {
		return nil
	}
	return s.syncOpenRow(ctx, row)
}

func (s *Service) syncOpenRow(ctx context.Context, row *types.PositionRow) error {
	if missing := missingFields(row); len(missing) > 0 {
		s.markStatus(ctx, "mismatch")
		return fmt.Errorf("%w: missing identity fields %v", ErrExchangeSync, missing)
	}

	if _, err := s.ex.FetchOrderByID(ctx, row.EntryExchangeOrderID); err != nil {
		s.markStatus(ctx, "mismatch")
		return fmt.Errorf("%w: entry order lookup: %v", ErrExchangeSync, err)
	}

	live, err := s.ex.FetchPositionForSymbol(ctx)
	if err != nil {
		s.markStatus(ctx, "mismatch")
		return fmt.Errorf("%w: position lookup: %v", ErrExchangeSync, err)
	}
	if live != nil {
		return s.refreshFromLive(ctx, row, live)
	}
	return s.closeFromExchange(ctx, row)
}

// refreshFromLive overwrites the local row with the exchange's view.
func (s *Service) refreshFromLive(ctx context.Context, row *types.PositionRow, live *types.ExchangePosition) error {
	qty := live.Qty
	if qty == 0 {
		qty = row.Qty
	}
	entryPrice := live.EntryPrice
	if entryPrice == 0 {
		entryPrice = row.EntryPrice
	}
	positionSide := live.Side
	if positionSide == "" {
		positionSide = row.PositionSide
	}
	if positionSide == "" {
		positionSide = row.Direction
	}
	marginMode := live.MarginMode
	if marginMode == "" {
		marginMode = s.bc.Execution.MarginMode
	}
	accountRef := live.Account
	if accountRef == "" {
		accountRef = row.ExchangeAccountRef
	}

	payload := map[string]any{
		"position_id":    row.ID,
		"qty":            qty,
		"entry_price":    entryPrice,
		"mark_price":     live.MarkPrice,
		"unrealized_pnl": live.UnrealizedPnL,
		"symbol":         row.Symbol,
		"exchange":       s.bc.ExchangeID,
		"position_side":  positionSide,
	}
	if marginMode != "" {
		payload["margin_mode"] = marginMode
	}
	if accountRef != "" {
		payload["exchange_account_ref"] = accountRef
	}
	if live.PositionID != "" {
		payload["exchange_position_id"] = live.PositionID
	}
	if live.PositionKey != "" {
		payload["exchange_position_key"] = live.PositionKey
	}
	if live.Payload != nil {
		payload["exchange_payload"] = live.Payload
	}

	if err := s.store.UpdatePositionFromExchange(ctx, s.bc.ID, payload); err != nil {
		s.markStatus(ctx, "mismatch")
		return fmt.Errorf("%w: row refresh: %v", ErrExchangeSync, err)
	}
	s.markStatus(ctx, "ok")
	s.logger.Info("position refreshed from exchange", "symbol", row.Symbol, "qty", qty)
	return nil
}

// closeFromExchange handles an open local row the exchange no longer holds:
// confirmed closure closes the row, anything else is fatal.
func (s *Service) closeFromExchange(ctx context.Context, row *types.PositionRow) error {
	closed, err := s.ex.FetchClosedPnLSince(ctx, row.EntryTimeMs())
	if err != nil {
		s.markStatus(ctx, "missing")
		return fmt.Errorf("%w: closed pnl lookup: %v", ErrExchangeSync, err)
	}
	if closed == nil || !closed.ConfirmedClosed {
		s.markStatus(ctx, "missing")
		return fmt.Errorf("%w: position missing and closure not confirmed", ErrExchangeSync)
	}

	realized := (closed.ExitPrice - row.EntryPrice) * row.Qty * types.Direction(row.Direction).Sign()
	exitTime := closed.ExitTime
	if exitTime.IsZero() {
		exitTime = s.now().UTC()
	}
	extra := map[string]any{}
	if closed.OrderID != "" {
		extra["exit_exchange_order_id"] = closed.OrderID
	}
	if closed.ClientOrderID != "" {
		extra["exit_client_order_id"] = closed.ClientOrderID
	}
	if closed.Payload != nil {
		extra["exchange_payload"] = closed.Payload
	}

	if err := s.store.ClosePosition(ctx, s.bc.ID, row.ID, closed.ExitPrice, exitTime, realized, extra); err != nil {
		s.markStatus(ctx, "missing")
		return fmt.Errorf("%w: row close: %v", ErrExchangeSync, err)
	}
	s.markStatus(ctx, "ok")
	s.logger.Warn("closed local position reported flat by exchange",
		"symbol", row.Symbol, "exit_price", closed.ExitPrice, "realized_pnl", realized)
	return nil
}

func (s *Service) markStatus(ctx context.Context, status string) {
	if err := s.store.SetExchangeSyncStatus(ctx, s.bc.ID, status); err != nil {
		s.logger.Warn("sync status update failed", "status", status, "error", err)
	}
}

func missingFields(row *types.PositionRow) []string {
	values := map[string]string{
		"symbol":                  row.Symbol,
		"entry_exchange_order_id": row.EntryExchangeOrderID,
		"entry_client_order_id":   row.EntryClientOrderID,
		"position_side":           row.PositionSide,
		"direction":               row.Direction,
	}
	var missing []string
	for _, f := range requiredFields {
		if values[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
