package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"tradeworker/internal/clock"
	"tradeworker/internal/config"
	"tradeworker/internal/db"
	"tradeworker/internal/exchange"
	"tradeworker/internal/health"
	"tradeworker/internal/monitor"
	"tradeworker/internal/reconcile"
	"tradeworker/internal/secrets"
	"tradeworker/internal/state"
	"tradeworker/internal/strategy"
	"tradeworker/internal/trading"
	"tradeworker/pkg/types"
)

// positionWatchInterval is how often the background watcher compares the
// local book against the exchange while a position is open.
const positionWatchInterval = 60 * time.Second

// Bootstrap assembles a ready-to-run loop for one bot: fetch context, decrypt
// credentials, reconcile the book once, gate, probe the exchange, adopt any
// persisted position, and provision monitoring. Fatal conditions return an
// error after recording why.
func Bootstrap(ctx context.Context, botID string, cfg *config.Settings, logger *slog.Logger) (*Loop, error) {
	store := db.NewClient(cfg, logger)

	bc, err := store.FetchBotContext(ctx, botID, cfg.PollingTier)
	if err != nil {
		return nil, fmt.Errorf("fetch bot context: %w", err)
	}
	if bc.DryRun {
		bc.Mode = types.ModePaper
	}
	logger = logger.With("bot_id", bc.ID, "symbol", bc.MarketSymbol, "strategy", bc.StrategyKey)

	reporter := health.NewReporter(bc.ID, store, bc.Execution.PollingTier, false, logger)
	store.SetHealthRecorder(reporter)
	reporter.StartFlushLoop(ctx)

	decryptor, err := secrets.NewDecryptor(cfg.EncryptionKey())
	if err != nil {
		return nil, fmt.Errorf("init decryptor: %w", err)
	}
	creds, err := decryptor.DecryptAll(
		bc.APIKeyEncrypted, bc.APISecretEncrypted, bc.APIPasswordEncrypted, bc.APIUIDEncrypted)
	if err != nil {
		store.WriteEvent(ctx, bc.ID, bc.UserID, "error", "credential decryption failed")
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	ex := exchange.NewBinance(ctx, creds.Key, creds.Secret, bc.MarketSymbol, logger)

	syncer := reconcile.NewService(bc, ex, store, logger)
	if err := syncer.StartupSync(ctx); err != nil {
		store.WriteEvent(ctx, bc.ID, bc.UserID, "stopped", "startup reconciliation failed: "+err.Error())
		store.SetBotStatus(ctx, bc.ID, "error")
		store.NotifySupport(ctx, bc.ID, bc.UserID, "Bot failed startup reconciliation: "+bc.Name, err.Error())
		return nil, fmt.Errorf("startup sync: %w", err)
	}

	if ok, reason := StartupGate(bc); !ok {
		// Kill switch and disabled trading are runtime pauses; the loop will
		// start idle. A lapsed subscription or an admin override keeps the
		// worker from booting at all.
		switch reason {
		case "subscription_not_active", "admin_override":
			store.WriteEvent(ctx, bc.ID, bc.UserID, "stopped", "startup blocked: "+reason)
			store.SetBotStatus(ctx, bc.ID, "stopped")
			return nil, fmt.Errorf("startup blocked: %s", reason)
		default:
			logger.Warn("starting paused", "reason", reason)
		}
	}

	if err := probeExchange(ctx, ex, bc, reporter); err != nil {
		store.WriteEvent(ctx, bc.ID, bc.UserID, "error", "exchange connectivity probe failed")
		reporter.FlushNow("auth_failed")
		return nil, err
	}

	st := state.New()
	if row := store.GetOpenPosition(ctx, bc.ID); row != nil {
		st.Lock()
		st.AdoptRow(row)
		st.Unlock()
		reporter.SetInPosition(true)
		logger.Info("adopted open position", "position_id", row.ID, "direction", row.Direction)
	}

	strat, err := strategy.New(bc.StrategyKey, sentimentSource(cfg.SentimentScore))
	if err != nil {
		return nil, fmt.Errorf("init strategy: %w", err)
	}

	submitter := trading.NewSubmitter(bc, ex, store, reporter, logger)
	journal := trading.NewJournal(bc, store, logger)
	manager := trading.NewManager(bc, st, strat, ex, submitter, journal, store, reporter, logger)

	hc := monitor.NewHealthcheck(cfg, store, logger)
	hc.Ensure(ctx, bc.ID, bc.Name, bc.Execution.PollInterval)
	shipper := monitor.NewShipper(cfg, logger)

	sched := clock.NewScheduler(
		float64(bc.Execution.PollInterval),
		float64(bc.Execution.PollJitter),
		float64(config.TierMinimumSeconds(bc.Execution.PollingTier)),
	)
	sched.StartupStagger(ctx)

	go watchPosition(ctx, st, ex, reporter, logger)

	store.WriteEvent(ctx, bc.ID, bc.UserID, "started", "worker started")
	store.SetBotStatus(ctx, bc.ID, "running")

	return NewLoop(Deps{
		Bot:          bc,
		State:        st,
		Store:        store,
		Reporter:     reporter,
		Trader:       manager,
		Syncer:       syncer,
		Scheduler:    sched,
		Healthcheck:  hc,
		Shipper:      shipper,
		TierOverride: cfg.PollingTier,
		Logger:       logger,
	}), nil
}

// probeExchange verifies market data and account access before the loop
// starts, so credential problems surface as one clear auth failure.
func probeExchange(ctx context.Context, ex exchange.Capability, bc *types.BotContext, reporter *health.Reporter) error {
	if _, err := ex.FetchTicker(ctx); err != nil {
		reporter.MarkAuthFail(health.ClassifyError(err))
		return fmt.Errorf("probe ticker: %w", err)
	}
	if _, err := ex.FetchOHLCV(ctx, bc.Execution.Timeframe, 5); err != nil {
		reporter.MarkAuthFail(health.ClassifyError(err))
		return fmt.Errorf("probe candles: %w", err)
	}
	if _, err := ex.FetchQuoteBalance(ctx); err != nil {
		reporter.MarkAuthFail(health.ClassifyError(err))
		return fmt.Errorf("probe balance: %w", err)
	}
	reporter.MarkAuthOK()
	return nil
}

// sentimentSource parses the externally supplied sentiment score once at
// boot. Missing or malformed input reads as neutral.
func sentimentSource(raw string) strategy.SentimentSource {
	score := 0.0
	if raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			score = v
		}
	}
	return func() float64 { return score }
}

// watchPosition periodically compares the local quantity with the exchange's
// while in a position, feeding the position sync gauge. Best effort.
func watchPosition(ctx context.Context, st *state.PositionState, ex exchange.Capability, reporter *health.Reporter, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastCheck time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := st.Snapshot()
		if !snap.InPosition || time.Since(lastCheck) < positionWatchInterval {
			continue
		}
		lastCheck = time.Now()

		live, err := ex.FetchPositionForSymbol(ctx)
		if err != nil {
			logger.Debug("position watch fetch failed", "error", err)
			continue
		}
		exchangeQty := 0.0
		if live != nil {
			exchangeQty = live.Qty
		}
		reporter.RecordPositionSync(math.Abs(snap.Qty - exchangeQty))
	}
}
