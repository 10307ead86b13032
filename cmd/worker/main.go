// Command worker runs the trading loop for a single bot. The bot id comes
// from the first argument or the BOT_ID env var; everything else is process
// environment resolved by the config package.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"tradeworker/internal/config"
	"tradeworker/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Local development convenience; deployed workers get real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 1
	}

	logger := newLogger(cfg)

	botID := os.Getenv("BOT_ID")
	if len(os.Args) > 1 {
		botID = os.Args[1]
	}
	if botID == "" {
		fmt.Fprintln(os.Stderr, "usage: worker <bot-id> (or set BOT_ID)")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop, err := engine.Bootstrap(ctx, botID, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", "bot_id", botID, "error", err)
		return 1
	}
	if err := loop.Run(ctx); err != nil {
		logger.Error("worker halted", "bot_id", botID, "error", err)
		return 1
	}
	logger.Info("worker stopped", "bot_id", botID)
	return 0
}

func newLogger(cfg *config.Settings) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
