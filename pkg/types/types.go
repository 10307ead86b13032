// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the worker — bot identity,
// configuration bundles, exchange market data, order payloads, and the
// persisted position row. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the side of an open position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for long, -1 for short. PnL math multiplies by this.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// EntrySide returns the order side that opens a position in this direction.
func (d Direction) EntrySide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide returns the order side that reduces a position in this direction.
func (d Direction) ExitSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Mode is the trading mode of a bot. Paper bots never submit live orders.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// ————————————————————————————————————————————————————————————————————————
// Bot identity and configuration bundles
// ————————————————————————————————————————————————————————————————————————

// BotContext is the immutable-at-boot identity of the worker plus its live
// configuration. The four bundles are resolved at boot (definition defaults →
// profile overrides → user overrides → persisted) and re-normalized whenever
// controls are refreshed.
type BotContext struct {
	ID                 string
	UserID             string
	Name               string
	StrategyKey        string
	Mode               Mode
	DryRun             bool
	Status             string
	SubscriptionStatus string

	ExchangeID   string // exchange identifier, e.g. "binanceusdm"
	MarketSymbol string // "BASE/QUOTE", e.g. "BTC/USDT"

	APIKeyEncrypted      string
	APISecretEncrypted   string
	APIPasswordEncrypted string
	APIUIDEncrypted      string

	Strategy  StrategyConfig
	Risk      RiskConfig
	Execution ExecutionConfig
	Control   ControlConfig

	BotVersion      string
	RuntimeProvider string
	Region          string
	MachineID       string
}

// StrategyConfig carries the strategy bundle: exit multipliers, pyramiding,
// and per-strategy indicator parameters. Defaults and clamps are applied by
// config.NormalizeStrategy.
type StrategyConfig struct {
	MinBars int `json:"min_bars"`

	SLATRMult    float64 `json:"sl_atr_mult"`
	TPATRMult    float64 `json:"tp_atr_mult"`
	TrailATRMult float64 `json:"trail_atr_mult"`
	TrailStartR  float64 `json:"trail_start_r"`

	PyramidingEnabled bool    `json:"pyramiding_enabled"`
	MaxPyramidLevels  int     `json:"max_pyramid_levels"`
	PyramidStep       float64 `json:"pyramid_step"`
	PyramidAddFrac    float64 `json:"pyramid_add_frac"`

	ATRPeriod int `json:"atr_period"`

	// breakout
	RangeLookback       int     `json:"range_lookback"`
	BreakoutBufferATR   float64 `json:"breakout_buffer_atr"`
	ConfirmCandles      int     `json:"confirm_candles"`
	VolumeFilterEnabled bool    `json:"volume_filter_enabled"`
	VolumeMAPeriod      int     `json:"volume_ma_period"`
	VolumeMult          float64 `json:"volume_mult"`

	// trend
	EMAFast       int     `json:"ema_fast"`
	EMASlow       int     `json:"ema_slow"`
	EMATrend      int     `json:"ema_trend"`
	RSIPeriod     int     `json:"rsi_period"`
	RSIEntryLong  float64 `json:"rsi_entry_long"`
	RSIEntryShort float64 `json:"rsi_entry_short"`

	// sentiment
	LongThreshold  float64 `json:"long_threshold"`
	ShortThreshold float64 `json:"short_threshold"`
}

// RiskConfig caps position sizing and trade frequency.
type RiskConfig struct {
	Leverage         float64 `json:"leverage"`
	AllocationFrac   float64 `json:"allocation_frac"`
	MaxTradesPerWeek int     `json:"max_trades_per_week"`
	MinNotionalUSD   float64 `json:"min_notional_usd"`
}

// ExecutionConfig controls polling cadence and order submission.
type ExecutionConfig struct {
	Timeframe          string `json:"timeframe"`
	PollInterval       int    `json:"poll_interval"` // seconds
	PollJitter         int    `json:"poll_jitter"`   // seconds, symmetric
	LookbackBars       int    `json:"lookback_bars"`
	OrderType          string `json:"order_type"`
	MaxSlippageBPS     int    `json:"max_slippage_bps"`
	PollingTier        string `json:"polling_tier"`
	MarginMode         string `json:"margin_mode"`
	ExchangeAccountRef string `json:"exchange_account_ref"`
}

// ControlConfig holds the operator switches refreshed at runtime.
type ControlConfig struct {
	TradingEnabled bool `json:"trading_enabled"`
	KillSwitch     bool `json:"kill_switch"`
	AdminOverride  bool `json:"admin_override"`
	PauseRequested bool `json:"pause_requested"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Ticker is the latest traded price for a symbol.
type Ticker struct {
	Last  float64
	Close float64
}

// Price returns the last price, falling back to close.
func (t Ticker) Price() float64 {
	if t.Last > 0 {
		return t.Last
	}
	return t.Close
}

// Candle is one OHLCV bar, timestamped in UTC at bar open.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// ————————————————————————————————————————————————————————————————————————
// Orders and exchange positions
// ————————————————————————————————————————————————————————————————————————

// Order is the normalized result of an order submission or lookup.
type Order struct {
	ID            string
	ClientOrderID string
	Status        string
	Filled        float64
	Average       float64 // average fill price; 0 if unknown
	Payload       map[string]any
}

// PriceOr returns the average fill price, falling back to the given value.
func (o *Order) PriceOr(fallback float64) float64 {
	if o != nil && o.Average > 0 {
		return o.Average
	}
	return fallback
}

// ExchangePosition is the exchange's view of an open position on a symbol.
type ExchangePosition struct {
	Qty           float64 // absolute size in base asset
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Side          string // exchange-reported position side
	MarginMode    string
	Account       string
	PositionID    string
	PositionKey   string
	Payload       map[string]any
}

// ClosedPnL is the result of querying the exchange for a position closure
// after a given time. ConfirmedClosed means the exchange saw reducing fills.
type ClosedPnL struct {
	ConfirmedClosed bool
	ExitPrice       float64
	ExitTime        time.Time
	OrderID         string
	ClientOrderID   string
	Payload         map[string]any
}

// ————————————————————————————————————————————————————————————————————————
// Persistence rows
// ————————————————————————————————————————————————————————————————————————

// PositionRow is the bot_positions row as returned by the persistence RPC.
type PositionRow struct {
	ID                   string  `json:"id"`
	Status               string  `json:"status"`
	Symbol               string  `json:"symbol"`
	Direction            string  `json:"direction"`
	PositionSide         string  `json:"position_side"`
	EntryPrice           float64 `json:"entry_price"`
	EntryTime            string  `json:"entry_time"` // RFC 3339
	Qty                  float64 `json:"qty"`
	EntryExchangeOrderID string  `json:"entry_exchange_order_id"`
	EntryClientOrderID   string  `json:"entry_client_order_id"`
	ExchangeAccountRef   string  `json:"exchange_account_ref"`
	MarginMode           string  `json:"margin_mode"`
}

// EntryTimeMs parses the entry time and returns unix milliseconds, 0 if unset
// or unparsable.
func (p *PositionRow) EntryTimeMs() int64 {
	if p.EntryTime == "" {
		return 0
	}
	ts, err := time.Parse(time.RFC3339, p.EntryTime)
	if err != nil {
		return 0
	}
	return ts.UnixMilli()
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// TimeframeSeconds converts a timeframe string ("1m", "4h", "1d", "1w") to
// seconds. Unknown or empty input falls back to 60.
func TimeframeSeconds(tf string) float64 {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 60
	}
	value, err := strconv.ParseFloat(tf[:len(tf)-1], 64)
	if err != nil {
		return 60
	}
	switch tf[len(tf)-1] {
	case 'm':
		return value * 60
	case 'h':
		return value * 3600
	case 'd':
		return value * 86400
	case 'w':
		return value * 604800
	default:
		return 60
	}
}

// WeekKey returns "<iso_year>-<iso_week>" for capping trades per ISO week.
func WeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-%d", year, week)
}

// QuoteCurrency extracts the quote currency from a "BASE/QUOTE" or
// "BASE-QUOTE" symbol.
func QuoteCurrency(symbol string) string {
	if i := strings.IndexAny(symbol, "/-"); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}

// BaseCurrency extracts the base currency from a "BASE/QUOTE" symbol.
func BaseCurrency(symbol string) string {
	if i := strings.IndexAny(symbol, "/-"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// NewClientOrderID mints the deterministic idempotency key attached to every
// order submission: "<bot-id>-<10 hex chars>[-<purpose>]".
func NewClientOrderID(botID, purpose string) string {
	u := uuid.New()
	id := botID + "-" + hex.EncodeToString(u[:])[:10]
	if purpose != "" {
		id += "-" + purpose
	}
	return id
}
