package trading

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"tradeworker/internal/exchange"
	"tradeworker/internal/health"
	"tradeworker/internal/state"
	"tradeworker/internal/strategy"
	"tradeworker/pkg/types"
)

// Manager owns the position lifecycle for the single market the worker
// trades. Both entry points run only on the loop goroutine and hold the state
// lock for the duration of a tick.
type Manager struct {
	bc       *types.BotContext
	st       *state.PositionState
	strat    strategy.Strategy
	ex       exchange.Capability
	sub      *Submitter
	journal  *Journal
	store    Store
	reporter *health.Reporter
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager wires the manager for one bot.
func NewManager(bc *types.BotContext, st *state.PositionState, strat strategy.Strategy, ex exchange.Capability, sub *Submitter, journal *Journal, store Store, reporter *health.Reporter, logger *slog.Logger) *Manager {
	return &Manager{
		bc:       bc,
		st:       st,
		strat:    strat,
		ex:       ex,
		sub:      sub,
		journal:  journal,
		store:    store,
		reporter: reporter,
		logger:   logger.With("component", "manager"),
		now:      time.Now,
	}
}

func (m *Manager) dryRun() bool {
	return m.bc.DryRun || m.bc.Mode == types.ModePaper
}

// ManageOpen runs the in-position tick: refresh gauges, evaluate exits, and
// scale in when a pyramid step is due. State is persisted at the end of every
// tick so the dashboard tracks the live position.
func (m *Manager) ManageOpen(ctx context.Context) error {
	m.st.Lock()
	defer m.st.Unlock()
	if !m.st.InPosition {
		return nil
	}

	ticker, err := m.ex.FetchTicker(ctx)
	if err != nil {
		return fmt.Errorf("manage: %w", err)
	}
	price := ticker.Price()

	f, err := m.preparedFrame(ctx)
	if err != nil {
		return err
	}
	row := f.Last()
	atr := row.Get("atr")
	if math.IsNaN(atr) {
		atr = 0
	}

	sign := m.st.Direction.Sign()
	unreal := (price - m.st.EntryPrice) * m.st.Qty * sign
	m.st.LastPrice = price
	m.st.UnrealizedPnL = unreal
	m.st.MaxUnrealizedPnL = math.Max(m.st.MaxUnrealizedPnL, unreal)
	m.st.MinUnrealizedPnL = math.Min(m.st.MinUnrealizedPnL, unreal)
	m.st.ATR = atr
	m.st.LastManageTime = m.now().UTC().Format(time.RFC3339)

	reason, trailingMoved := ExitReason(m.st, price, atr, m.bc.Strategy)
	if trailingMoved {
		m.reporter.RecordTrailingUpdate()
	}

	if reason != "" {
		if err := m.closePosition(ctx, price, row.Get("close"), reason); err != nil {
			return err
		}
		return m.persistState(ctx)
	}

	move := (price - m.st.EntryPrice) / m.st.EntryPrice
	if m.st.Direction == types.Short {
		move = (m.st.EntryPrice - price) / m.st.EntryPrice
	}
	for MaybePyramid(m.bc.Strategy, move, m.st.AddedLevels) {
		if err := m.pyramid(ctx, price, row.Get("close")); err != nil {
			return err
		}
	}

	return m.persistState(ctx)
}

// closePosition submits the reducing order and journals the exit. Caller
// holds the state lock.
func (m *Manager) closePosition(ctx context.Context, price, expected float64, reason string) error {
	pnl := (price - m.st.EntryPrice) * m.st.Qty * m.st.Direction.Sign()

	order, cid, err := m.sub.Send(ctx, SendRequest{
		Side:           m.st.Direction.ExitSide(),
		Qty:            m.st.Qty,
		DryRun:         m.dryRun(),
		ExpectedPrice:  expected,
		MaxSlippageBPS: m.bc.Execution.MaxSlippageBPS,
		ReduceOnly:     true,
		PositionID:     m.st.PositionID,
		Purpose:        "exit",
	})
	if err != nil {
		return err
	}

	exitTime := m.now().UTC()
	if err := m.journal.OnExit(ctx, m.st.PositionID, m.st.Direction, price, exitTime, m.st.Qty, pnl, reason, order, cid); err != nil {
		m.logger.Warn("exit journaling failed", "position_id", m.st.PositionID, "error", err)
	}

	m.logger.Info("position closed",
		"direction", m.st.Direction, "reason", reason,
		"exit_price", price, "realized_pnl", pnl)

	m.st.CumulativePnL += pnl
	m.st.LastExitTime = exitTime.Format(time.RFC3339)
	m.st.ResetKeeping()
	return nil
}

// pyramid submits one scale-in order. Caller holds the state lock.
func (m *Manager) pyramid(ctx context.Context, price, expected float64) error {
	addNotional := AddNotional(m.st.BaseNotional, m.bc.Strategy)
	addQty := Qty(addNotional, price)

	order, cid, err := m.sub.Send(ctx, SendRequest{
		Side:           m.st.Direction.EntrySide(),
		Qty:            addQty,
		DryRun:         m.dryRun(),
		ExpectedPrice:  expected,
		MaxSlippageBPS: m.bc.Execution.MaxSlippageBPS,
		PositionID:     m.st.PositionID,
		Purpose:        "pyramid",
	})
	if err != nil {
		return err
	}

	m.st.Qty += addQty
	m.st.AddedLevels++

	m.journal.OnPyramid(ctx, m.st.PositionID, m.st.Direction, price, addQty, m.now().UTC().Format(time.RFC3339), order, cid)
	m.journal.Event(ctx, "trade", fmt.Sprintf("PYRAMID %s level=%d add_qty=%.6f", m.st.Direction, m.st.AddedLevels, addQty))
	return nil
}

// TryOpen runs the flat tick: one entry decision per new closed bar, capped
// per ISO week, sized from the live quote balance.
func (m *Manager) TryOpen(ctx context.Context) error {
	m.st.Lock()
	defer m.st.Unlock()
	if m.st.InPosition {
		return nil
	}

	f, err := m.preparedFrame(ctx)
	if err != nil {
		return err
	}
	if f.Len() < m.bc.Strategy.MinBars {
		m.logger.Debug("not enough bars", "have", f.Len(), "need", m.bc.Strategy.MinBars)
		return nil
	}

	lastTS := f.Times[f.Len()-1]
	lastISO := lastTS.Format(time.RFC3339)
	if m.st.LastCandleTime == lastISO {
		return nil
	}
	m.recordMarketData(f, lastTS)
	m.st.LastCandleTime = lastISO

	weekKey := types.WeekKey(lastTS)
	if m.st.WeekTradeCounts == nil {
		m.st.WeekTradeCounts = make(map[string]int)
	}
	if m.st.WeekTradeCounts[weekKey] >= m.bc.Risk.MaxTradesPerWeek {
		return m.persistState(ctx)
	}

	row := f.Last()
	longOK := m.strat.LongSignal(row, m.bc.Strategy)
	shortOK := m.strat.ShortSignal(row, m.bc.Strategy)
	m.reporter.RecordDecision()
	if !longOK && !shortOK {
		return m.persistState(ctx)
	}

	expected := row.Get("close")
	price := expected

	balance, err := m.ex.FetchQuoteBalance(ctx)
	if err != nil {
		return fmt.Errorf("try open: %w", err)
	}
	notional := Notional(balance, m.bc.Risk.AllocationFrac, m.bc.Risk.Leverage)
	if notional < m.bc.Risk.MinNotionalUSD {
		m.logger.Info("notional below minimum", "notional", notional, "min", m.bc.Risk.MinNotionalUSD)
		return m.persistState(ctx)
	}
	qty := Qty(notional, price)

	direction := types.Long
	if !longOK {
		direction = types.Short
	}

	order, cid, err := m.sub.Send(ctx, SendRequest{
		Side:           direction.EntrySide(),
		Qty:            qty,
		DryRun:         m.dryRun(),
		ExpectedPrice:  expected,
		MaxSlippageBPS: m.bc.Execution.MaxSlippageBPS,
		Purpose:        "entry",
	})
	if err != nil {
		return err
	}
	price = order.PriceOr(expected)

	m.st.InPosition = true
	m.st.Direction = direction

	positionID, err := m.journal.OnEntry(ctx, direction, price, lastISO, qty, order, cid)
	if err != nil {
		m.logger.Warn("entry journaling failed", "error", err)
	}
	m.st.PositionID = positionID

	m.st.EntryPrice = price
	m.st.EntryTime = lastISO
	m.st.Qty = qty
	m.st.BaseNotional = notional
	m.st.PeakPrice = price
	m.st.LowPrice = price
	m.st.AddedLevels = 0
	m.st.WeekTradeCounts[weekKey]++
	m.st.MaxUnrealizedPnL = 0
	m.st.MinUnrealizedPnL = 0
	m.st.TrailingActive = false
	m.st.TrailingStopPrice = 0

	m.logger.Info("position opened",
		"direction", direction, "entry_price", price, "qty", qty, "notional", notional)
	m.journal.Event(ctx, "trade", fmt.Sprintf("ENTRY %s price=%.6f qty=%.6f notional=%.2f", direction, price, qty, notional))

	return m.persistState(ctx)
}

// preparedFrame fetches OHLCV and runs the strategy's indicator pass.
func (m *Manager) preparedFrame(ctx context.Context) (*strategy.Frame, error) {
	candles, err := m.ex.FetchOHLCV(ctx, m.bc.Execution.Timeframe, m.bc.Execution.LookbackBars)
	if err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}
	f := strategy.NewFrame(candles)
	if err := m.strat.Prepare(f, m.bc.Strategy); err != nil {
		m.reporter.RecordIndicatorError(health.ReasonIndicatorError)
		return nil, fmt.Errorf("prepare frame: %w", err)
	}
	return f, nil
}

// recordMarketData reports candle freshness on each new bar: lag beyond one
// full interval past the bar open, and a gap when the last two bars are more
// than 1.5 intervals apart.
func (m *Manager) recordMarketData(f *strategy.Frame, lastTS time.Time) {
	tf := time.Duration(types.TimeframeSeconds(m.bc.Execution.Timeframe)) * time.Second
	lag := m.now().Sub(lastTS.Add(tf))
	m.reporter.RecordCandleLag(lag)

	if n := f.Len(); n >= 2 {
		if delta := lastTS.Sub(f.Times[n-2]); delta > tf*3/2 {
			m.reporter.RecordCandleGap()
		}
	}
}

func (m *Manager) persistState(ctx context.Context) error {
	return m.store.UpsertState(ctx, m.bc.ID, m.bc.UserID, m.st.Row(m.now()))
}
