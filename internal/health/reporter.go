package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EvidenceSink delivers a health patch to the persistence layer. Implemented
// by the db client (RPC upsert_bot_health_evidence).
type EvidenceSink interface {
	UpsertHealthEvidence(ctx context.Context, botID string, patch map[string]any) (time.Duration, error)
}

// Reporter accumulates health gauges into a pending patch and decides when to
// flush. Record methods are cheap and safe to call from any goroutine; the
// flush itself runs in whichever goroutine won the claim, outside the lock.
type Reporter struct {
	botID  string
	sink   EvidenceSink
	logger *slog.Logger
	window *Window

	mu              sync.Mutex
	tier            string
	inPosition      bool
	pending         map[string]any
	lastFlushAt     time.Time
	scheduledAt     time.Time
	scheduledReason string

	now func() time.Time
}

// NewReporter creates a reporter for one bot.
func NewReporter(botID string, sink EvidenceSink, tier string, inPosition bool, logger *slog.Logger) *Reporter {
	return &Reporter{
		botID:      botID,
		sink:       sink,
		logger:     logger.With("component", "health"),
		window:     NewWindow(),
		tier:       tier,
		inPosition: inPosition,
		pending:    make(map[string]any),
		now:        time.Now,
	}
}

// SetTier updates the polling tier used for flush cadence.
func (r *Reporter) SetTier(tier string) {
	r.mu.Lock()
	r.tier = tier
	r.mu.Unlock()
}

// SetInPosition switches the reporter between the in-position and
// out-of-position flush tables.
func (r *Reporter) SetInPosition(inPosition bool) {
	r.mu.Lock()
	r.inPosition = inPosition
	r.mu.Unlock()
}

// Count returns the rolling-window count for a key. Used by the loop for
// rate-limit-aware backoff decisions.
func (r *Reporter) Count(key string) int {
	return r.window.Count(key, r.now())
}

// ————————————————————————————————————————————————————————————————————————
// Record methods
// ————————————————————————————————————————————————————————————————————————

func (r *Reporter) MarkAuthOK() {
	r.updatePatch(map[string]any{
		"exchange_auth_ok": true,
		"last_auth_ok_at":  r.nowISO(),
	})
}

func (r *Reporter) MarkAuthFail(code ReasonCode) {
	r.updatePatch(map[string]any{
		"exchange_auth_ok":     false,
		"last_auth_fail_at":    r.nowISO(),
		"last_auth_error_code": string(code),
	})
	r.FlushNow("auth_fail")
}

func (r *Reporter) RecordRateLimitHit() {
	r.window.Inc(KeyRateLimitHit, r.now())
}

func (r *Reporter) RecordCandleLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	r.updatePatch(map[string]any{
		"market_data_ok":     true,
		"candle_lag_seconds": int(lag.Seconds()),
	})
}

func (r *Reporter) RecordStreamDisconnect() {
	now := r.now()
	r.window.Inc(KeyStreamDisconnect, now)
	r.updatePatch(map[string]any{"market_data_ok": false})
	if r.window.Count(KeyStreamDisconnect, now) >= 2 {
		r.FlushNow("stream_disconnect")
	}
}

func (r *Reporter) RecordCandleGap() {
	now := r.now()
	r.window.Inc(KeyCandleGap, now)
	r.updatePatch(map[string]any{"market_data_ok": false})
	r.mu.Lock()
	inPos := r.inPosition
	r.mu.Unlock()
	if inPos && r.window.Count(KeyCandleGap, now) >= 1 {
		r.FlushNow("candle_gap")
	}
}

func (r *Reporter) RecordStrategyTickOK() {
	r.updatePatch(map[string]any{
		"strategy_ok":           true,
		"last_strategy_tick_at": r.nowISO(),
	})
}

func (r *Reporter) RecordStrategyTickFail() {
	r.updatePatch(map[string]any{
		"strategy_ok":           false,
		"last_strategy_tick_at": r.nowISO(),
	})
}

func (r *Reporter) RecordIndicatorError(code ReasonCode) {
	now := r.now()
	r.window.Inc(KeyIndicatorError, now)
	r.updatePatch(map[string]any{
		"strategy_ok":               false,
		"last_strategy_tick_at":     r.nowISO(),
		"last_indicator_error_code": string(code),
	})
	if r.window.Count(KeyIndicatorError, now) >= 3 {
		r.FlushNow("indicator_error_spike")
	}
}

func (r *Reporter) RecordDecision() {
	r.window.Inc(KeyDecision, r.now())
}

func (r *Reporter) RecordOrderSubmit() {
	r.updatePatch(map[string]any{
		"order_flow_ok":        true,
		"last_order_submit_at": r.nowISO(),
	})
	r.FlushNow("order_submit")
}

func (r *Reporter) RecordOrderAck(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	r.updatePatch(map[string]any{
		"order_flow_ok":        true,
		"last_order_ack_at":    r.nowISO(),
		"order_ack_latency_ms": int(latency.Milliseconds()),
	})
	r.FlushNow("order_ack")
}

func (r *Reporter) RecordOrderReject(reason ReasonCode) {
	r.window.Inc(KeyOrderReject, r.now())
	r.updatePatch(map[string]any{
		"order_flow_ok":            false,
		"last_order_reject_reason": string(reason),
		"last_order_reject_at":     r.nowISO(),
	})
	r.FlushNow("order_reject")
}

func (r *Reporter) RecordPositionSync(diff float64) {
	if diff < 0 {
		diff = 0
	}
	r.updatePatch(map[string]any{
		"position_ok":           diff <= 0,
		"last_position_sync_at": r.nowISO(),
		"position_sync_diff":    diff,
	})
	if diff > 0 {
		r.FlushNow("position_diff")
	}
}

func (r *Reporter) RecordTrailingUpdate() {
	r.updatePatch(map[string]any{"last_trailing_update_at": r.nowISO()})
	r.FlushNow("trailing_update")
}

func (r *Reporter) RecordDBOK() {
	r.updatePatch(map[string]any{
		"db_ok":         true,
		"last_db_ok_at": r.nowISO(),
	})
}

func (r *Reporter) RecordDBError() {
	r.window.Inc(KeyDBError, r.now())
	r.updatePatch(map[string]any{"db_ok": false})
	r.FlushNow("db_error")
}

// ————————————————————————————————————————————————————————————————————————
// Flush machinery
// ————————————————————————————————————————————————————————————————————————

// MaybeFlush runs the non-forced, time-based flush path. Called by the
// background flush loop.
func (r *Reporter) MaybeFlush(ctx context.Context) {
	if reason, patch, ok := r.claimFlush("scheduled", false); ok {
		r.executeFlush(ctx, reason, patch)
	}
}

// FlushNow attempts an immediate flush for a critical event. If the debounce
// window blocks it, a deferred flush is scheduled instead; when several
// critical events schedule concurrently, the last reason wins.
func (r *Reporter) FlushNow(reason string) {
	if claimed, patch, ok := r.claimFlush(reason, true); ok {
		r.executeFlush(context.Background(), claimed, patch)
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	nextDue := r.lastFlushAt.Add(DebounceInterval)
	if critical := now.Add(CriticalDelay); critical.After(nextDue) {
		nextDue = critical
	}
	if nextDue.After(r.scheduledAt) {
		r.scheduledAt = nextDue
	}
	r.scheduledReason = reason
}

// claimFlush implements the single-mutex claim protocol: at most one caller
// wins the right to flush, and the snapshot it receives is taken under the
// lock. The RPC itself happens outside.
func (r *Reporter) claimFlush(reason string, force bool) (string, map[string]any, bool) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	interval := FlushInterval(r.tier, r.inPosition)
	due := now.Sub(r.lastFlushAt)

	scheduled := false
	if !r.scheduledAt.IsZero() {
		if now.Before(r.scheduledAt) {
			if !force {
				return "", nil, false
			}
		} else {
			// Adopt the deferred critical flush: its reason wins, and it
			// only needs the debounce, not the full periodic interval.
			scheduled = true
			if r.scheduledReason != "" {
				reason = r.scheduledReason
			}
			r.scheduledAt = time.Time{}
			r.scheduledReason = ""
		}
	}
	if force || scheduled {
		if due < DebounceInterval {
			return "", nil, false
		}
	} else {
		min := DebounceInterval
		if interval > min {
			min = interval
		}
		if due < min {
			return "", nil, false
		}
	}

	patch := make(map[string]any, len(r.pending)+len(countFields))
	for k, v := range r.pending {
		patch[k] = v
	}
	for k, v := range r.window.Snapshot(now) {
		patch[k] = v
	}
	return reason, patch, true
}

func (r *Reporter) executeFlush(ctx context.Context, reason string, patch map[string]any) {
	elapsed, err := r.sink.UpsertHealthEvidence(ctx, r.botID, patch)
	r.logger.Info("health flush",
		"reason", reason,
		"keys", len(patch),
		"rpc_ms", elapsed.Milliseconds(),
		"success", err == nil,
	)
	if err != nil {
		// Pending patch is retained; window counters are re-snapshotted on
		// the next claim so nothing is lost.
		return
	}
	r.mu.Lock()
	r.pending = make(map[string]any)
	r.lastFlushAt = r.now()
	r.mu.Unlock()
}

// StartFlushLoop launches the background goroutine that polls the time-based
// flush path every 5 seconds until ctx is cancelled.
func (r *Reporter) StartFlushLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.MaybeFlush(ctx)
			}
		}
	}()
}

func (r *Reporter) updatePatch(fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range fields {
		if v == nil {
			continue
		}
		r.pending[k] = v
	}
}

func (r *Reporter) nowISO() string {
	return r.now().UTC().Format(time.RFC3339)
}
