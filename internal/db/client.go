// Package db implements the persistence client for the worker.
//
// All position, trade, and control reads/writes go through PostgREST RPC
// functions scoped by a runtime token:
//   - FetchBotContext:  bot_runtime_get_context      — bot row + creds + bundles
//   - RefreshControls:  bot_runtime_refresh_controls — runtime toggles
//   - GetOpenPosition:  bot_runtime_get_position     — open position row
//   - UpsertPosition:   bot_runtime_upsert_position  — open/update/close
//   - UpsertTrade:      bot_runtime_upsert_trade     — fills keyed by order id
//   - Heartbeat:        bot_runtime_heartbeat        — liveness + sync status
//   - Notify:           bot_runtime_notify           — in-app notifications
//
// Health evidence goes through upsert_bot_health_evidence; event and state
// rows are written via plain table endpoints. Every call reports db_ok or
// db_error to the health recorder.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tradeworker/internal/config"
	"tradeworker/pkg/types"
)

// EmailThrottleSeconds is the default dedup window for queued emails.
const EmailThrottleSeconds = 10 * 60

// HealthRecorder receives the outcome of every persistence call. Wired after
// construction because the health reporter flushes through this client.
type HealthRecorder interface {
	RecordDBOK()
	RecordDBError()
}

// Client is the persistence API client. Safe for concurrent use.
type Client struct {
	http         *resty.Client
	runtimeToken string
	supportEmail string
	logger       *slog.Logger

	mu     sync.Mutex
	health HealthRecorder
	now    func() time.Time
}

// NewClient creates a persistence client from process settings. Transient
// upstream failures (502, 503, 504) are retried with backoff.
func NewClient(cfg *config.Settings, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.SupabaseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(250*time.Millisecond).
		SetRetryMaxWaitTime(3*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == 502 || code == 503 || code == 504
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("apikey", cfg.SupabaseServiceKey).
		SetHeader("Authorization", "Bearer "+cfg.SupabaseServiceKey)

	return &Client{
		http:         httpClient,
		runtimeToken: cfg.RuntimeToken,
		supportEmail: cfg.SupportEmail,
		logger:       logger.With("component", "db"),
		now:          time.Now,
	}
}

// SetHealthRecorder wires the health reporter in after both sides exist.
func (c *Client) SetHealthRecorder(h HealthRecorder) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

func (c *Client) recordOK() {
	c.mu.Lock()
	h := c.health
	c.mu.Unlock()
	if h != nil {
		h.RecordDBOK()
	}
}

func (c *Client) recordError() {
	c.mu.Lock()
	h := c.health
	c.mu.Unlock()
	if h != nil {
		h.RecordDBError()
	}
}

// callRPC posts to /rest/v1/rpc/<fn> and decodes the JSON response into out
// when out is non-nil. A 204 leaves out untouched.
func (c *Client) callRPC(ctx context.Context, fn string, payload any, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-runtime-token", c.runtimeToken).
		SetBody(payload).
		Post("/rest/v1/rpc/" + fn)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", fn, err)
	}
	if resp.StatusCode() == 204 {
		return nil
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("rpc %s: status %d: %s", fn, resp.StatusCode(), resp.String())
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("rpc %s: decode: %w", fn, err)
		}
	}
	return nil
}

// insertRow writes one row through the plain table endpoint.
func (c *Client) insertRow(ctx context.Context, table string, row any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBody(row).
		Post("/rest/v1/" + table)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("insert %s: status %d: %s", table, resp.StatusCode(), resp.String())
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Bot context and controls
// ————————————————————————————————————————————————————————————————————————

type contextResponse struct {
	Bot struct {
		ID              string          `json:"id"`
		UserID          string          `json:"user_id"`
		Name            string          `json:"name"`
		StrategyKey     string          `json:"strategy_key"`
		Strategy        string          `json:"strategy"`
		Mode            string          `json:"mode"`
		DryRun          bool            `json:"dry_run"`
		Status          string          `json:"status"`
		StrategyConfig  json.RawMessage `json:"strategy_config"`
		RiskConfig      json.RawMessage `json:"risk_config"`
		ExecutionConfig json.RawMessage `json:"execution_config"`
		ControlConfig   json.RawMessage `json:"control_config"`
	} `json:"bot"`
	APIKeys struct {
		APIKeyEncrypted      string `json:"api_key_encrypted"`
		APISecretEncrypted   string `json:"api_secret_encrypted"`
		APIPasswordEncrypted string `json:"api_password_encrypted"`
		APIUIDEncrypted      string `json:"api_uid_encrypted"`
	} `json:"api_keys"`
	SupportedExchange struct {
		CCXTID string `json:"ccxt_id"`
	} `json:"supported_exchange"`
	SupportedMarket struct {
		Symbol string `json:"symbol"`
	} `json:"supported_market"`
	Subscription struct {
		Status string `json:"status"`
	} `json:"subscription"`
}

// FetchBotContext loads and normalizes the full bot context at boot.
// tierOverride, when non-empty, wins over the configured polling tier.
func (c *Client) FetchBotContext(ctx context.Context, botID, tierOverride string) (*types.BotContext, error) {
	var resp contextResponse
	if err := c.callRPC(ctx, "bot_runtime_get_context", map[string]any{"p_bot_id": botID}, &resp); err != nil {
		c.recordError()
		return nil, err
	}
	c.recordOK()
	if resp.Bot.ID == "" {
		return nil, fmt.Errorf("bot_runtime_get_context: no data for bot %s", botID)
	}

	strategyKey := resp.Bot.StrategyKey
	if strategyKey == "" {
		strategyKey = resp.Bot.Strategy
	}
	subscription := resp.Subscription.Status
	if subscription == "" {
		subscription = "inactive"
	}

	bc := &types.BotContext{
		ID:                 resp.Bot.ID,
		UserID:             resp.Bot.UserID,
		Name:               resp.Bot.Name,
		StrategyKey:        strategyKey,
		Mode:               types.Mode(resp.Bot.Mode),
		DryRun:             resp.Bot.DryRun,
		Status:             resp.Bot.Status,
		SubscriptionStatus: subscription,

		ExchangeID:   resp.SupportedExchange.CCXTID,
		MarketSymbol: resp.SupportedMarket.Symbol,

		APIKeyEncrypted:      resp.APIKeys.APIKeyEncrypted,
		APISecretEncrypted:   resp.APIKeys.APISecretEncrypted,
		APIPasswordEncrypted: resp.APIKeys.APIPasswordEncrypted,
		APIUIDEncrypted:      resp.APIKeys.APIUIDEncrypted,

		Strategy:  config.NormalizeStrategy(resp.Bot.StrategyConfig),
		Risk:      config.NormalizeRisk(resp.Bot.RiskConfig),
		Execution: config.NormalizeExecution(resp.Bot.ExecutionConfig, tierOverride),
		Control:   config.NormalizeControl(resp.Bot.ControlConfig),
	}
	return bc, nil
}

// Controls is the lightweight toggle snapshot returned by the refresh RPC.
type Controls struct {
	Status             string          `json:"status"`
	SubscriptionStatus string          `json:"subscription_status"`
	ControlConfig      json.RawMessage `json:"control_config"`
	ExecutionConfig    json.RawMessage `json:"execution_config"`
}

// RefreshControls fetches the current runtime toggles.
func (c *Client) RefreshControls(ctx context.Context, botID string) (*Controls, error) {
	var out Controls
	if err := c.callRPC(ctx, "bot_runtime_refresh_controls", map[string]any{"p_bot_id": botID}, &out); err != nil {
		c.recordError()
		return nil, err
	}
	c.recordOK()
	return &out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions and trades
// ————————————————————————————————————————————————————————————————————————

// GetOpenPosition returns the open position row, or nil when flat. Errors are
// swallowed after health accounting so a read blip never fails a tick.
func (c *Client) GetOpenPosition(ctx context.Context, botID string) *types.PositionRow {
	var row types.PositionRow
	if err := c.callRPC(ctx, "bot_runtime_get_position", map[string]any{"p_bot_id": botID, "p_status": "open"}, &row); err != nil {
		c.recordError()
		c.logger.Warn("get open position failed", "error", err)
		return nil
	}
	c.recordOK()
	if row.ID == "" {
		return nil
	}
	return &row
}

// InsertPositionOpen records a freshly opened position and returns its id.
func (c *Client) InsertPositionOpen(ctx context.Context, botID string, payload map[string]any) (string, error) {
	payload["status"] = "open"
	var out struct {
		ID string `json:"id"`
	}
	err := c.callRPC(ctx, "bot_runtime_upsert_position", map[string]any{"p_bot_id": botID, "p_payload": payload}, &out)
	if err != nil {
		c.recordError()
		return "", err
	}
	c.recordOK()
	if out.ID == "" {
		return "", fmt.Errorf("upsert position: no id returned")
	}
	return out.ID, nil
}

// ClosePosition marks a position closed with exchange-confirmed exit data.
func (c *Client) ClosePosition(ctx context.Context, botID, positionID string, exitPrice float64, exitTime time.Time, realizedPnL float64, extra map[string]any) error {
	payload := map[string]any{
		"position_id":           positionID,
		"status":                "closed",
		"exit_price":            exitPrice,
		"exit_time":             exitTime.UTC().Format(time.RFC3339),
		"realized_pnl":          realizedPnL,
		"realized_pnl_source":   "exchange",
		"last_exchange_sync_at": c.now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	err := c.callRPC(ctx, "bot_runtime_upsert_position", map[string]any{"p_bot_id": botID, "p_payload": payload}, nil)
	if err != nil {
		c.recordError()
		return err
	}
	c.recordOK()
	return nil
}

// UpdatePositionFromExchange reconciles a position row against the exchange's
// view of it.
func (c *Client) UpdatePositionFromExchange(ctx context.Context, botID string, payload map[string]any) error {
	payload["unrealized_pnl_source"] = "exchange"
	payload["last_exchange_sync_at"] = c.now().UTC().Format(time.RFC3339)
	payload["status"] = "open"
	err := c.callRPC(ctx, "bot_runtime_upsert_position", map[string]any{"p_bot_id": botID, "p_payload": payload}, nil)
	if err != nil {
		c.recordError()
		return err
	}
	c.recordOK()
	return nil
}

// UpsertTrade records or updates a fill keyed by exchange order id.
func (c *Client) UpsertTrade(ctx context.Context, botID, exchangeOrderID string, payload map[string]any) error {
	err := c.callRPC(ctx, "bot_runtime_upsert_trade", map[string]any{
		"p_bot_id":            botID,
		"p_exchange_order_id": exchangeOrderID,
		"p_payload":           payload,
	}, nil)
	if err != nil {
		c.recordError()
		return err
	}
	c.recordOK()
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Heartbeat, health evidence, events
// ————————————————————————————————————————————————————————————————————————

// TouchHeartbeat updates the liveness timestamp. Best effort.
func (c *Client) TouchHeartbeat(ctx context.Context, botID string) {
	payload := map[string]any{"heartbeat_at": c.now().UTC().Format(time.RFC3339)}
	if err := c.callRPC(ctx, "bot_runtime_heartbeat", map[string]any{"p_bot_id": botID, "p_payload": payload}, nil); err != nil {
		c.recordError()
		c.logger.Warn("heartbeat failed", "error", err)
		return
	}
	c.recordOK()
}

// SetExchangeSyncStatus stores the reconciliation verdict for dashboards.
func (c *Client) SetExchangeSyncStatus(ctx context.Context, botID, status string) error {
	payload := map[string]any{"exchange_sync_status": status}
	if err := c.callRPC(ctx, "bot_runtime_heartbeat", map[string]any{"p_bot_id": botID, "p_payload": payload}, nil); err != nil {
		c.recordError()
		return err
	}
	c.recordOK()
	return nil
}

// UpsertHealthEvidence ships a health patch. Implements health.EvidenceSink.
// Unlike the other calls it does not feed the health recorder: a failed flush
// already keeps its patch, and reporting it would recurse.
func (c *Client) UpsertHealthEvidence(ctx context.Context, botID string, patch map[string]any) (time.Duration, error) {
	start := c.now()
	err := c.callRPC(ctx, "upsert_bot_health_evidence", map[string]any{"p_bot_id": botID, "p_patch": patch}, nil)
	return c.now().Sub(start), err
}

// WriteEvent appends a row to the bot event log. Best effort.
func (c *Client) WriteEvent(ctx context.Context, botID, userID, eventType, message string) {
	row := map[string]any{
		"bot_id":     botID,
		"user_id":    userID,
		"event_type": eventType,
		"message":    message,
	}
	if err := c.insertRow(ctx, "bot_events", row); err != nil {
		c.recordError()
		c.logger.Warn("write event failed", "event_type", eventType, "error", err)
		return
	}
	c.recordOK()
}

// UpsertState mirrors the in-memory position state to the bot_state table.
func (c *Client) UpsertState(ctx context.Context, botID, userID string, state map[string]any) error {
	row := map[string]any{"bot_id": botID, "user_id": userID}
	for k, v := range state {
		row[k] = v
	}
	if _, ok := row["heartbeat_at"]; !ok {
		row["heartbeat_at"] = c.now().UTC().Format(time.RFC3339)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "resolution=merge-duplicates,return=minimal").
		SetQueryParam("on_conflict", "bot_id").
		SetBody(row).
		Post("/rest/v1/bot_state")
	if err == nil && (resp.StatusCode() < 200 || resp.StatusCode() >= 300) {
		err = fmt.Errorf("upsert bot_state: status %d: %s", resp.StatusCode(), resp.String())
	}
	if err != nil {
		c.recordError()
		return err
	}
	c.recordOK()
	return nil
}

// GetHealthcheckUUID reads the stored healthchecks.io check id from the
// bot_runtime table, "" when absent. Best effort.
func (c *Client) GetHealthcheckUUID(ctx context.Context, botID string) string {
	var rows []struct {
		HioUUID string `json:"hio_uuid"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("bot_id", "eq."+botID).
		SetQueryParam("select", "hio_uuid").
		SetQueryParam("limit", "1").
		Get("/rest/v1/bot_runtime")
	if err == nil && (resp.StatusCode() < 200 || resp.StatusCode() >= 300) {
		err = fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	if err == nil {
		err = json.Unmarshal(resp.Body(), &rows)
	}
	if err != nil {
		c.recordError()
		c.logger.Warn("healthcheck uuid fetch failed", "error", err)
		return ""
	}
	c.recordOK()
	if len(rows) == 0 {
		return ""
	}
	return rows[0].HioUUID
}

// SaveHealthcheckUUID upserts the healthchecks.io check id for this bot.
func (c *Client) SaveHealthcheckUUID(ctx context.Context, botID, hioUUID string) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "resolution=merge-duplicates,return=minimal").
		SetQueryParam("on_conflict", "bot_id").
		SetBody(map[string]any{"bot_id": botID, "hio_uuid": hioUUID}).
		Post("/rest/v1/bot_runtime")
	if err == nil && (resp.StatusCode() < 200 || resp.StatusCode() >= 300) {
		err = fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	if err != nil {
		c.recordError()
		c.logger.Warn("healthcheck uuid save failed", "error", err)
		return
	}
	c.recordOK()
}

// SetBotStatus updates the status column on the bots table. Best effort.
func (c *Client) SetBotStatus(ctx context.Context, botID, status string) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetQueryParam("id", "eq."+botID).
		SetBody(map[string]any{"status": status}).
		Patch("/rest/v1/bots")
	if err == nil && (resp.StatusCode() < 200 || resp.StatusCode() >= 300) {
		err = fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	if err != nil {
		c.recordError()
		c.logger.Warn("set bot status failed", "status", status, "error", err)
		return
	}
	c.recordOK()
}

// ————————————————————————————————————————————————————————————————————————
// Notifications
// ————————————————————————————————————————————————————————————————————————

// Notify inserts an in-app notification. Fire and forget.
func (c *Client) Notify(ctx context.Context, botID, typ, title, body, severity string, metadata map[string]any) {
	if botID == "" {
		return
	}
	if severity == "" {
		severity = "info"
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload := map[string]any{
		"type":     typ,
		"severity": severity,
		"title":    title,
		"body":     body,
		"metadata": metadata,
	}
	err := c.callRPC(ctx, "bot_runtime_notify", map[string]any{
		"p_bot_id":  botID,
		"p_channel": "in_app",
		"p_payload": payload,
	}, nil)
	if err != nil {
		c.recordError()
		c.logger.Warn("notify failed", "type", typ, "error", err)
		return
	}
	c.recordOK()
}

// NotifySupport sends an email-channel alert to the support address.
func (c *Client) NotifySupport(ctx context.Context, botID, userID, title, body string) {
	email := c.supportEmail
	if email == "" {
		email = "botneedsattention@tradebothub.pro"
	}
	row := map[string]any{
		"user_id":  userID,
		"bot_id":   botID,
		"channel":  "email",
		"type":     "support_alert",
		"severity": "critical",
		"title":    title,
		"body":     body,
		"metadata": map[string]any{"target_email": email},
	}
	if err := c.insertRow(ctx, "notifications", row); err != nil {
		c.recordError()
		c.logger.Warn("support notification failed", "error", err)
		return
	}
	c.recordOK()
}

// QueueEmail enqueues a throttled email. The idempotency key folds in a
// throttle-window token so repeats inside the window dedup server-side.
func (c *Client) QueueEmail(ctx context.Context, userID, botID, eventKey, template string, payload map[string]any, throttleSeconds, delaySeconds int, dedupID string) {
	if userID == "" {
		return
	}
	now := c.now().UTC()
	sendAfter := now
	if delaySeconds > 0 {
		sendAfter = now.Add(time.Duration(delaySeconds) * time.Second)
	}
	key := userID + "|" + botID + "|" + eventKey
	if dedupID != "" {
		key += "|" + dedupID
	}
	if throttleSeconds > 0 {
		key += fmt.Sprintf("|%d", now.Unix()/int64(throttleSeconds))
	}
	if payload == nil {
		payload = map[string]any{}
	}
	row := map[string]any{
		"user_id":         userID,
		"bot_id":          botID,
		"event_key":       eventKey,
		"email_template":  template,
		"payload":         payload,
		"idempotency_key": key,
		"send_after":      sendAfter.Format(time.RFC3339),
	}
	if err := c.insertRow(ctx, "notification_queue", row); err != nil {
		c.recordError()
		c.logger.Warn("queue email failed", "event_key", eventKey, "error", err)
		return
	}
	c.recordOK()
}
