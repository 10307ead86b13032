package trading

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"tradeworker/internal/health"
	"tradeworker/internal/state"
	"tradeworker/internal/strategy"
	"tradeworker/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type nopSink struct{}

func (nopSink) UpsertHealthEvidence(context.Context, string, map[string]any) (time.Duration, error) {
	return 0, nil
}

type placedOrder struct {
	side          types.Side
	qty           float64
	clientOrderID string
	reduceOnly    bool
}

type fakeExchange struct {
	ticker   types.Ticker
	candles  []types.Candle
	balance  float64
	orderErr error
	avgPrice float64
	nextID   int
	placed   []placedOrder
}

func (f *fakeExchange) FetchTicker(context.Context) (types.Ticker, error) {
	return f.ticker, nil
}

func (f *fakeExchange) FetchOHLCV(context.Context, string, int) ([]types.Candle, error) {
	return f.candles, nil
}

func (f *fakeExchange) FetchQuoteBalance(context.Context) (float64, error) {
	return f.balance, nil
}

func (f *fakeExchange) CreateOrder(_ context.Context, side types.Side, qty float64, clientOrderID string, reduceOnly bool) (*types.Order, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.nextID++
	f.placed = append(f.placed, placedOrder{side: side, qty: qty, clientOrderID: clientOrderID, reduceOnly: reduceOnly})
	return &types.Order{
		ID:            fmt.Sprintf("ord-%d", f.nextID),
		ClientOrderID: clientOrderID,
		Status:        "filled",
		Filled:        qty,
		Average:       f.avgPrice,
	}, nil
}

func (f *fakeExchange) FetchOrderByID(context.Context, string) (*types.Order, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeExchange) FetchPositionForSymbol(context.Context) (*types.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeExchange) FetchClosedPnLSince(context.Context, int64) (*types.ClosedPnL, error) {
	return &types.ClosedPnL{}, nil
}

type closedRow struct {
	positionID  string
	exitPrice   float64
	realizedPnL float64
	extra       map[string]any
}

type fakeStore struct {
	mu            sync.Mutex
	positions     []map[string]any
	closes        []closedRow
	trades        []map[string]any
	states        []map[string]any
	events        []string
	notifications []string
	emails        []string
}

func (f *fakeStore) InsertPositionOpen(_ context.Context, _ string, payload map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, payload)
	return fmt.Sprintf("pos-%d", len(f.positions)), nil
}

func (f *fakeStore) ClosePosition(_ context.Context, _, positionID string, exitPrice float64, _ time.Time, realizedPnL float64, extra map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closedRow{positionID: positionID, exitPrice: exitPrice, realizedPnL: realizedPnL, extra: extra})
	return nil
}

func (f *fakeStore) UpsertTrade(_ context.Context, _, _ string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, payload)
	return nil
}

func (f *fakeStore) UpsertState(_ context.Context, _, _ string, st map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, st)
	return nil
}

func (f *fakeStore) WriteEvent(_ context.Context, _, _, eventType, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType+": "+message)
}

func (f *fakeStore) Notify(_ context.Context, _, typ, _, _, severity string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, typ+"/"+severity)
}

func (f *fakeStore) QueueEmail(_ context.Context, _, _, eventKey, _ string, _ map[string]any, _, _ int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, eventKey)
}

// stubStrategy sets a constant ATR column and fires fixed signals.
type stubStrategy struct {
	long, short bool
	atr         float64
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Prepare(f *strategy.Frame, _ types.StrategyConfig) error {
	atr := make([]float64, f.Len())
	for i := range atr {
		atr[i] = s.atr
	}
	return f.SetCol("atr", atr)
}

func (s *stubStrategy) LongSignal(strategy.Row, types.StrategyConfig) bool  { return s.long }
func (s *stubStrategy) ShortSignal(strategy.Row, types.StrategyConfig) bool { return s.short }

// ————————————————————————————————————————————————————————————————————————
// Harness
// ————————————————————————————————————————————————————————————————————————

func testBotContext() *types.BotContext {
	return &types.BotContext{
		ID:           "bot-1",
		UserID:       "user-1",
		Name:         "test bot",
		StrategyKey:  "breakout",
		Mode:         types.ModeLive,
		MarketSymbol: "BTC/USDT",
		ExchangeID:   "binanceusdm",
		Strategy: types.StrategyConfig{
			MinBars:      10,
			SLATRMult:    1.5,
			TPATRMult:    3.5,
			TrailATRMult: 1.5,
			TrailStartR:  1.0,
		},
		Risk: types.RiskConfig{
			Leverage:         5,
			AllocationFrac:   0.10,
			MaxTradesPerWeek: 2,
			MinNotionalUSD:   10,
		},
		Execution: types.ExecutionConfig{
			Timeframe:      "1h",
			LookbackBars:   200,
			MaxSlippageBPS: 100,
		},
	}
}

func hourlyCandles(n int, closePrice float64) []types.Candle {
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = types.Candle{
			Time:   base.Add(time.Duration(i) * time.Hour),
			Open:   closePrice,
			High:   closePrice + 1,
			Low:    closePrice - 1,
			Close:  closePrice,
			Volume: 1000,
		}
	}
	return out
}

type harness struct {
	m        *Manager
	st       *state.PositionState
	fx       *fakeExchange
	fs       *fakeStore
	reporter *health.Reporter
}

func newHarness(t *testing.T, bc *types.BotContext, strat strategy.Strategy, fx *fakeExchange) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := &fakeStore{}
	reporter := health.NewReporter(bc.ID, nopSink{}, "standard", false, logger)
	st := state.New()
	sub := NewSubmitter(bc, fx, fs, reporter, logger)
	journal := NewJournal(bc, fs, logger)
	m := NewManager(bc, st, strat, fx, sub, journal, fs, reporter, logger)
	return &harness{m: m, st: st, fx: fx, fs: fs, reporter: reporter}
}

func approx(t *testing.T, got, want, tol float64, label string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (±%v)", label, got, want, tol)
	}
}

// ————————————————————————————————————————————————————————————————————————
// TryOpen
// ————————————————————————————————————————————————————————————————————————

func TestTryOpenEntersLong(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 102},
		candles: hourlyCandles(20, 102),
		balance: 1000,
	}
	h := newHarness(t, testBotContext(), &stubStrategy{long: true, atr: 2}, fx)

	if err := h.m.TryOpen(context.Background()); err != nil {
		t.Fatalf("TryOpen: %v", err)
	}

	if !h.st.InPosition || h.st.Direction != types.Long {
		t.Fatalf("expected open long, got in_position=%v direction=%q", h.st.InPosition, h.st.Direction)
	}
	approx(t, h.st.Qty, 500.0/102.0, 1e-9, "qty")
	if h.st.EntryPrice != 102 {
		t.Errorf("entry price = %v, want 102", h.st.EntryPrice)
	}
	if h.st.PositionID != "pos-1" {
		t.Errorf("position id = %q", h.st.PositionID)
	}
	approx(t, h.st.BaseNotional, 500, 1e-9, "base notional")

	weekKey := types.WeekKey(fx.candles[len(fx.candles)-1].Time)
	if h.st.WeekTradeCounts[weekKey] != 1 {
		t.Errorf("week counter = %d, want 1", h.st.WeekTradeCounts[weekKey])
	}

	if len(fx.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(fx.placed))
	}
	o := fx.placed[0]
	if o.side != types.Buy || o.reduceOnly {
		t.Errorf("order side=%q reduce_only=%v", o.side, o.reduceOnly)
	}
	if !strings.HasPrefix(o.clientOrderID, "bot-1-") || !strings.HasSuffix(o.clientOrderID, "-entry") {
		t.Errorf("client order id %q", o.clientOrderID)
	}

	if len(h.fs.positions) != 1 {
		t.Errorf("position rows = %d, want 1", len(h.fs.positions))
	}
	if len(h.fs.states) != 1 {
		t.Errorf("state upserts = %d, want 1", len(h.fs.states))
	}
	if len(h.fs.emails) != 1 || h.fs.emails[0] != "trade_opened" {
		t.Errorf("emails = %v", h.fs.emails)
	}
}

func TestTryOpenSlippageGuard(t *testing.T) {
	t.Parallel()

	// Close is 102 but the live ticker reads 108: 588 bps > 100 bps cap.
	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 108},
		candles: hourlyCandles(20, 102),
		balance: 1000,
	}
	h := newHarness(t, testBotContext(), &stubStrategy{long: true, atr: 2}, fx)

	err := h.m.TryOpen(context.Background())
	if err == nil {
		t.Fatal("expected slippage guard error")
	}
	if got := health.ClassifyError(err); got != health.ReasonSlippageGuard {
		t.Errorf("classified as %s, want %s", got, health.ReasonSlippageGuard)
	}
	if h.st.InPosition {
		t.Error("state must stay flat")
	}
	if h.st.LastCandleTime == "" {
		t.Error("the bar is still consumed: last_candle_time must advance")
	}
	if len(fx.placed) != 0 {
		t.Errorf("no order may reach the exchange, got %d", len(fx.placed))
	}
	if got := h.reporter.Count(health.KeyOrderReject); got != 1 {
		t.Errorf("order reject count = %d, want 1", got)
	}
}

func TestTryOpenOneDecisionPerBar(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 102},
		candles: hourlyCandles(20, 102),
		balance: 1000,
	}
	h := newHarness(t, testBotContext(), &stubStrategy{atr: 2}, fx)

	for i := 0; i < 3; i++ {
		if err := h.m.TryOpen(context.Background()); err != nil {
			t.Fatalf("TryOpen #%d: %v", i, err)
		}
	}

	if got := h.reporter.Count(health.KeyDecision); got != 1 {
		t.Errorf("decisions = %d, want 1 for a single bar", got)
	}
	if len(h.fs.states) != 1 {
		t.Errorf("state upserts = %d, want 1", len(h.fs.states))
	}
}

func TestTryOpenWeekCap(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 102},
		candles: hourlyCandles(20, 102),
		balance: 1000,
	}
	h := newHarness(t, testBotContext(), &stubStrategy{long: true, atr: 2}, fx)

	weekKey := types.WeekKey(fx.candles[len(fx.candles)-1].Time)
	h.st.WeekTradeCounts[weekKey] = 2 // max_trades_per_week

	if err := h.m.TryOpen(context.Background()); err != nil {
		t.Fatalf("TryOpen: %v", err)
	}
	if h.st.InPosition || len(fx.placed) != 0 {
		t.Error("week cap must block the entry")
	}
	if len(h.fs.states) != 1 {
		t.Errorf("state must still be persisted, upserts = %d", len(h.fs.states))
	}
}

func TestTryOpenMinNotionalGate(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 102},
		candles: hourlyCandles(20, 102),
		balance: 10, // notional = 10*0.10*5 = 5 < 10
	}
	h := newHarness(t, testBotContext(), &stubStrategy{long: true, atr: 2}, fx)

	if err := h.m.TryOpen(context.Background()); err != nil {
		t.Fatalf("TryOpen: %v", err)
	}
	if h.st.InPosition || len(fx.placed) != 0 {
		t.Error("sub-minimum notional must block the entry")
	}
}

func TestTryOpenNotEnoughBars(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 102},
		candles: hourlyCandles(5, 102), // min_bars is 10
		balance: 1000,
	}
	h := newHarness(t, testBotContext(), &stubStrategy{long: true, atr: 2}, fx)

	if err := h.m.TryOpen(context.Background()); err != nil {
		t.Fatalf("TryOpen: %v", err)
	}
	if h.st.InPosition || h.st.LastCandleTime != "" {
		t.Error("warmup frame must not consume a bar or open")
	}
}

// ————————————————————————————————————————————————————————————————————————
// ManageOpen
// ————————————————————————————————————————————————————————————————————————

func openLong(h *harness, entry, qty, notional float64) {
	h.st.InPosition = true
	h.st.PositionID = "pos-1"
	h.st.Direction = types.Long
	h.st.EntryPrice = entry
	h.st.EntryTime = "2026-03-02T00:00:00Z"
	h.st.Qty = qty
	h.st.BaseNotional = notional
	h.st.PeakPrice = entry
	h.st.LowPrice = entry
}

func TestManageOpenTakeProfit(t *testing.T) {
	t.Parallel()

	// atr=2 gives tp=7; price 107.1 clears it on a long from 100.
	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 107.1},
		candles: hourlyCandles(20, 107.1),
	}
	h := newHarness(t, testBotContext(), &stubStrategy{atr: 2}, fx)
	openLong(h, 100, 2, 200)

	if err := h.m.ManageOpen(context.Background()); err != nil {
		t.Fatalf("ManageOpen: %v", err)
	}

	if h.st.InPosition {
		t.Fatal("position must be flat after take profit")
	}
	approx(t, h.st.CumulativePnL, 14.2, 1e-9, "cumulative pnl")
	if h.st.LastExitTime == "" {
		t.Error("last_exit_time must be set")
	}

	if len(fx.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(fx.placed))
	}
	if o := fx.placed[0]; o.side != types.Sell || !o.reduceOnly {
		t.Errorf("exit order side=%q reduce_only=%v, want sell reduce-only", o.side, o.reduceOnly)
	}

	if len(h.fs.closes) != 1 {
		t.Fatalf("closed rows = %d, want 1", len(h.fs.closes))
	}
	c := h.fs.closes[0]
	approx(t, c.realizedPnL, 14.2, 1e-9, "realized pnl")
	if c.extra["exit_reason"] != ExitTakeProfit {
		t.Errorf("exit reason = %v, want %s", c.extra["exit_reason"], ExitTakeProfit)
	}
	if len(h.fs.emails) != 1 || h.fs.emails[0] != "trade_closed" {
		t.Errorf("emails = %v", h.fs.emails)
	}
}

func TestManageOpenShortStopLossPnLSign(t *testing.T) {
	t.Parallel()

	// Short from 100, atr=2 gives sl=3; price 103.1 is a losing stop.
	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 103.1},
		candles: hourlyCandles(20, 103.1),
	}
	h := newHarness(t, testBotContext(), &stubStrategy{atr: 2}, fx)
	openLong(h, 100, 1, 100)
	h.st.Direction = types.Short

	if err := h.m.ManageOpen(context.Background()); err != nil {
		t.Fatalf("ManageOpen: %v", err)
	}
	if h.st.InPosition {
		t.Fatal("position must be flat after stop loss")
	}
	approx(t, h.st.CumulativePnL, -3.1, 1e-9, "cumulative pnl")
	if o := fx.placed[0]; o.side != types.Buy || !o.reduceOnly {
		t.Errorf("short exit must be a reduce-only buy, got side=%q reduce_only=%v", o.side, o.reduceOnly)
	}
	if len(h.fs.closes) != 1 || h.fs.closes[0].extra["exit_reason"] != ExitStopLoss {
		t.Errorf("closes = %+v", h.fs.closes)
	}
}

func TestManageOpenPyramids(t *testing.T) {
	t.Parallel()

	bc := testBotContext()
	bc.Strategy.PyramidingEnabled = true
	bc.Strategy.MaxPyramidLevels = 2
	bc.Strategy.PyramidStep = 0.05
	bc.Strategy.PyramidAddFrac = 0.5

	// Long from 100 at 105: move 0.05 reaches the first step only.
	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 105},
		candles: hourlyCandles(20, 105),
	}
	h := newHarness(t, bc, &stubStrategy{atr: 2}, fx)
	openLong(h, 100, 5, 500)

	if err := h.m.ManageOpen(context.Background()); err != nil {
		t.Fatalf("ManageOpen: %v", err)
	}

	if h.st.AddedLevels != 1 {
		t.Fatalf("added levels = %d, want 1", h.st.AddedLevels)
	}
	approx(t, h.st.Qty, 5+250.0/105.0, 1e-9, "qty after scale-in")
	if h.st.InPosition != true {
		t.Error("position must remain open")
	}
	if len(fx.placed) != 1 {
		t.Fatalf("placed %d orders, want 1 scale-in", len(fx.placed))
	}
	if o := fx.placed[0]; o.side != types.Buy || o.reduceOnly {
		t.Errorf("scale-in must be a plain buy, got side=%q reduce_only=%v", o.side, o.reduceOnly)
	}
	if len(h.fs.states) != 1 {
		t.Errorf("state upserts = %d, want 1", len(h.fs.states))
	}
}

func TestManageOpenUpdatesGauges(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{
		ticker:  types.Ticker{Last: 101},
		candles: hourlyCandles(20, 101),
	}
	h := newHarness(t, testBotContext(), &stubStrategy{atr: 2}, fx)
	openLong(h, 100, 2, 200)

	if err := h.m.ManageOpen(context.Background()); err != nil {
		t.Fatalf("ManageOpen: %v", err)
	}

	if !h.st.InPosition {
		t.Fatal("price inside bands must hold the position")
	}
	approx(t, h.st.UnrealizedPnL, 2, 1e-9, "unrealized pnl")
	approx(t, h.st.MaxUnrealizedPnL, 2, 1e-9, "max unrealized pnl")
	if h.st.LastPrice != 101 || h.st.ATR != 2 {
		t.Errorf("gauges: last_price=%v atr=%v", h.st.LastPrice, h.st.ATR)
	}
	if h.st.LastManageTime == "" {
		t.Error("last_manage_time must be set")
	}
	if len(h.fs.states) != 1 {
		t.Errorf("state upserts = %d, want 1", len(h.fs.states))
	}
}

func TestManageOpenFlatIsNoop(t *testing.T) {
	t.Parallel()

	fx := &fakeExchange{ticker: types.Ticker{Last: 100}, candles: hourlyCandles(20, 100)}
	h := newHarness(t, testBotContext(), &stubStrategy{atr: 2}, fx)

	if err := h.m.ManageOpen(context.Background()); err != nil {
		t.Fatalf("ManageOpen: %v", err)
	}
	if len(h.fs.states) != 0 || len(fx.placed) != 0 {
		t.Error("flat manage tick must do nothing")
	}
}
