// Package engine runs the polling loop: the state machine that ties market
// data, position management, reconciliation, and health reporting together
// for one bot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradeworker/internal/clock"
	"tradeworker/internal/config"
	"tradeworker/internal/db"
	"tradeworker/internal/health"
	"tradeworker/internal/monitor"
	"tradeworker/internal/reconcile"
	"tradeworker/internal/state"
	"tradeworker/pkg/types"
)

// State is the loop's position in the trading state machine.
type State string

const (
	StateInit            State = "INIT"
	StateIdle            State = "IDLE"
	StateWaitingForEntry State = "WAITING_FOR_ENTRY"
	StateInPosition      State = "IN_POSITION"
	StateCooldown        State = "COOLDOWN"
	StateHalt            State = "HALT"
)

// errSubscriptionLapsed signals a clean shutdown after a control refresh
// reports the subscription is no longer active.
var errSubscriptionLapsed = errors.New("subscription no longer active")

// Trader is the position lifecycle surface the loop drives each tick.
// Implemented by trading.Manager.
type Trader interface {
	ManageOpen(ctx context.Context) error
	TryOpen(ctx context.Context) error
}

// Syncer reconciles the local book against the exchange on its own cadence.
// Implemented by reconcile.Service.
type Syncer interface {
	MaybeSync(ctx context.Context) error
}

// Store is the slice of the persistence client the loop itself needs.
type Store interface {
	RefreshControls(ctx context.Context, botID string) (*db.Controls, error)
	TouchHeartbeat(ctx context.Context, botID string)
	WriteEvent(ctx context.Context, botID, userID, eventType, message string)
	SetBotStatus(ctx context.Context, botID, status string)
	NotifySupport(ctx context.Context, botID, userID, title, body string)
}

// Deps carries everything the loop needs. Healthcheck and Shipper may be nil
// or disabled; the loop never depends on them succeeding.
type Deps struct {
	Bot          *types.BotContext
	State        *state.PositionState
	Store        Store
	Reporter     *health.Reporter
	Trader       Trader
	Syncer       Syncer
	Scheduler    *clock.Scheduler
	Healthcheck  *monitor.Healthcheck
	Shipper      *monitor.Shipper
	TierOverride string
	Logger       *slog.Logger
}

// Loop is the per-bot polling loop. One instance runs for the process
// lifetime; Run blocks until halt, clean shutdown, or context cancellation.
type Loop struct {
	bc           *types.BotContext
	st           *state.PositionState
	store        Store
	reporter     *health.Reporter
	trader       Trader
	syncer       Syncer
	sched        *clock.Scheduler
	hc           *monitor.Healthcheck
	shipper      *monitor.Shipper
	tierOverride string
	logger       *slog.Logger

	now     func() time.Time
	sleep   func(ctx context.Context, intervalSeconds float64, startedAt time.Time)
	backoff func(ctx context.Context, seconds int)

	state        State
	pauseReason  string
	consecErrs   int
	lastRefresh  time.Time
	ticksSince   int
	bootID       string
	heartbeatSeq int64
}

// NewLoop wires the loop in INIT.
func NewLoop(d Deps) *Loop {
	l := &Loop{
		bc:           d.Bot,
		st:           d.State,
		store:        d.Store,
		reporter:     d.Reporter,
		trader:       d.Trader,
		syncer:       d.Syncer,
		sched:        d.Scheduler,
		hc:           d.Healthcheck,
		shipper:      d.Shipper,
		tierOverride: d.TierOverride,
		logger:       d.Logger.With("component", "engine"),
		now:          time.Now,
		state:        StateInit,
		bootID:       uuid.NewString(),
	}
	l.sleep = func(ctx context.Context, intervalSeconds float64, startedAt time.Time) {
		l.sched.SleepFor(ctx, intervalSeconds, startedAt)
	}
	l.backoff = func(ctx context.Context, seconds int) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(seconds) * time.Second):
		}
	}
	return l
}

// Run executes the polling loop until the context is cancelled, the
// subscription lapses, or the loop halts. Repeated-error halts return nil
// after the halt bookkeeping so the supervised process exits cleanly; a
// fatal reconciliation mismatch is returned to the caller.
func (l *Loop) Run(ctx context.Context) error {
	l.lastRefresh = l.now()
	l.transitionFromInit(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		started := l.now()

		err := l.tick(ctx)
		switch {
		case err == nil:
			l.consecErrs = 0
			l.reporter.RecordStrategyTickOK()
		case errors.Is(err, errSubscriptionLapsed):
			l.store.SetBotStatus(ctx, l.bc.ID, "stopped")
			l.logger.Info("subscription lapsed, shutting down")
			return nil
		case errors.Is(err, reconcile.ErrExchangeSync):
			l.halt(ctx, fmt.Sprintf("exchange sync failed: %v", err))
			return err
		default:
			l.reporter.RecordStrategyTickFail()
			if health.ClassifyError(err) == health.ReasonRateLimit {
				l.reporter.RecordRateLimitHit()
			}
			l.consecErrs++
			l.logger.Error("tick failed", "error", err, "consecutive", l.consecErrs)
			l.store.WriteEvent(ctx, l.bc.ID, l.bc.UserID, "error", err.Error())
			l.reporter.FlushNow("loop_error")
			l.emitEvent(ctx, "BotError", "error", err.Error(), nil)
			if l.consecErrs >= config.MaxConsecutiveErrs {
				// A supervised restart handles recovery; this is a clean stop.
				l.halt(ctx, fmt.Sprintf("too many consecutive errors: %v", err))
				return nil
			}
			l.backoff(ctx, config.ErrorBackoffSecs)
			continue
		}

		interval := l.sched.NextInterval(
			float64(l.bc.Execution.PollInterval),
			float64(l.bc.Execution.PollJitter),
			float64(config.TierMinimumSeconds(l.bc.Execution.PollingTier)),
		)
		l.sleep(ctx, interval, started)
	}
}

// transitionFromInit resolves INIT into the first working state.
func (l *Loop) transitionFromInit(ctx context.Context) {
	if reason := PauseReason(l.bc); reason != "" {
		l.pause(ctx, reason)
		return
	}
	if l.st.Snapshot().InPosition {
		l.state = StateInPosition
	} else {
		l.state = StateWaitingForEntry
	}
	l.logger.Info("loop started", "state", string(l.state))
}

// tick is one pass through the loop body: reconcile, refresh controls,
// evaluate pause, act on the current state, heartbeat.
func (l *Loop) tick(ctx context.Context) error {
	if err := l.syncer.MaybeSync(ctx); err != nil {
		return err
	}
	if err := l.maybeRefreshControls(ctx); err != nil {
		return err
	}
	l.evaluatePause(ctx)

	if err := l.act(ctx); err != nil {
		return err
	}

	l.heartbeat(ctx)
	return nil
}

// act performs the state-specific work and advances the machine.
func (l *Loop) act(ctx context.Context) error {
	switch l.state {
	case StateWaitingForEntry:
		if err := l.trader.TryOpen(ctx); err != nil {
			return err
		}
		if l.st.Snapshot().InPosition {
			l.state = StateInPosition
			l.logger.Info("position opened", "state", string(l.state))
		}
	case StateInPosition:
		if err := l.trader.ManageOpen(ctx); err != nil {
			return err
		}
		if !l.st.Snapshot().InPosition {
			l.state = StateCooldown
			l.logger.Info("position closed", "state", string(l.state))
		}
	case StateCooldown:
		// Single-tick breather after an exit. No evaluation this tick.
		l.state = StateWaitingForEntry
	case StateIdle:
		// Paused bots never open, but an inherited position is still managed.
		if l.st.Snapshot().InPosition {
			if err := l.trader.ManageOpen(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeRefreshControls reloads the control and execution bundles when the
// refresh window has elapsed by wall clock or by tick count. Refresh failures
// keep the previous bundles.
func (l *Loop) maybeRefreshControls(ctx context.Context) error {
	l.ticksSince++
	due := l.now().Sub(l.lastRefresh) >= config.ControlRefreshSeconds*time.Second ||
		l.ticksSince >= config.ControlRefreshPolls
	if !due {
		return nil
	}
	l.lastRefresh = l.now()
	l.ticksSince = 0

	controls, err := l.store.RefreshControls(ctx, l.bc.ID)
	if err != nil {
		l.logger.Warn("control refresh failed, keeping previous bundles", "error", err)
		return nil
	}
	l.bc.Status = controls.Status
	l.bc.SubscriptionStatus = controls.SubscriptionStatus
	l.bc.Control = config.NormalizeControl(controls.ControlConfig)
	l.bc.Execution = config.NormalizeExecution(controls.ExecutionConfig, l.tierOverride)
	l.reporter.SetTier(l.bc.Execution.PollingTier)

	if l.bc.SubscriptionStatus != "active" {
		l.store.WriteEvent(ctx, l.bc.ID, l.bc.UserID, "stopped_payment", "subscription is no longer active")
		return errSubscriptionLapsed
	}
	return nil
}

// evaluatePause moves the machine into or out of IDLE based on the current
// control bundle.
func (l *Loop) evaluatePause(ctx context.Context) {
	reason := PauseReason(l.bc)
	if reason != "" {
		if l.state != StateIdle {
			l.pause(ctx, reason)
		} else if reason != l.pauseReason {
			l.pauseReason = reason
		}
		return
	}
	if l.state == StateIdle {
		l.pauseReason = ""
		if l.st.Snapshot().InPosition {
			l.state = StateInPosition
		} else {
			l.state = StateWaitingForEntry
		}
		l.store.WriteEvent(ctx, l.bc.ID, l.bc.UserID, "resumed", "controls cleared, trading resumed")
		l.emitEvent(ctx, "BotGate", "info", "resumed", nil)
		l.logger.Info("resumed", "state", string(l.state))
	}
}

func (l *Loop) pause(ctx context.Context, reason string) {
	l.state = StateIdle
	l.pauseReason = reason
	l.store.WriteEvent(ctx, l.bc.ID, l.bc.UserID, "paused", "paused: "+reason)
	l.emitEvent(ctx, "BotGate", "warning", "paused", map[string]any{"reason": reason})
	l.logger.Info("paused", "reason", reason)
}

// halt is the terminal transition: record why, flag the check, mark the bot.
func (l *Loop) halt(ctx context.Context, message string) {
	l.state = StateHalt
	l.logger.Error("halting", "message", message)
	l.store.WriteEvent(ctx, l.bc.ID, l.bc.UserID, "stopped", message)
	l.store.SetBotStatus(ctx, l.bc.ID, "error")
	l.store.NotifySupport(ctx, l.bc.ID, l.bc.UserID, "Bot halted: "+l.bc.Name, message)
	l.reporter.FlushNow("halt")
	l.hc.Fail(ctx, message)
	l.emitEvent(ctx, "BotError", "error", message, map[string]any{"halt": true})
}

// heartbeat touches persistence, pings the dead-man's switch, and ships the
// structured heartbeat event.
func (l *Loop) heartbeat(ctx context.Context) {
	snap := l.st.Snapshot()
	l.store.TouchHeartbeat(ctx, l.bc.ID)
	l.hc.Ping(ctx)
	l.reporter.SetInPosition(snap.InPosition)
	l.reporter.MaybeFlush(ctx)

	l.heartbeatSeq++
	l.emitEvent(ctx, "BotHeartbeat", "info", "heartbeat", map[string]any{
		"heartbeat_seq": l.heartbeatSeq,
		"in_position":   snap.InPosition,
		"position_id":   snap.PositionID,
		"position_side": string(snap.Direction),
	})
}

// emitEvent ships one structured event with the bot identity attached.
func (l *Loop) emitEvent(ctx context.Context, eventType, level, message string, attrs map[string]any) {
	if !l.shipper.Enabled() {
		return
	}
	merged := map[string]any{
		"boot_id":             l.bootID,
		"bot_id":              l.bc.ID,
		"user_id":             l.bc.UserID,
		"bot_status":          l.bc.Status,
		"mode":                string(l.bc.Mode),
		"exchange":            l.bc.ExchangeID,
		"symbol":              l.bc.MarketSymbol,
		"timeframe":           l.bc.Execution.Timeframe,
		"strategy":            l.bc.StrategyKey,
		"subscription_status": l.bc.SubscriptionStatus,
		"trading_enabled":     l.bc.Control.TradingEnabled,
		"kill_switch":         l.bc.Control.KillSwitch,
		"runtime_provider":    l.bc.RuntimeProvider,
		"loop_state":          string(l.state),
	}
	for k, v := range attrs {
		merged[k] = v
	}
	l.shipper.Emit(ctx, eventType, level, message, merged)
}
