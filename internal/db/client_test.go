package db

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"tradeworker/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Settings{
		SupabaseURL:        srv.URL,
		SupabaseServiceKey: "service-key",
		RuntimeToken:       "runtime-token",
	}
	return NewClient(cfg, testLogger()), srv
}

func TestFetchBotContextDecodesAndNormalizes(t *testing.T) {
	t.Parallel()

	var gotPath, gotAPIKey, gotToken string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("apikey")
		gotToken = r.Header.Get("x-runtime-token")
		json.NewEncoder(w).Encode(map[string]any{
			"bot": map[string]any{
				"id":           "bot-1",
				"user_id":      "user-1",
				"name":         "alpha",
				"strategy_key": "breakout",
				"mode":         "live",
				"dry_run":      false,
				"status":       "running",
				"risk_config":  map[string]any{"leverage": 50.0},
				"execution_config": map[string]any{
					"timeframe":     "15m",
					"poll_interval": 5,
				},
			},
			"api_keys": map[string]any{
				"api_key_encrypted":    "enc-key",
				"api_secret_encrypted": "enc-secret",
			},
			"supported_exchange": map[string]any{"ccxt_id": "binanceusdm"},
			"supported_market":   map[string]any{"symbol": "BTC/USDT"},
			"subscription":       map[string]any{"status": "active"},
		})
	})
	c, _ := newTestClient(t, handler)

	bc, err := c.FetchBotContext(context.Background(), "bot-1", "")
	if err != nil {
		t.Fatalf("FetchBotContext: %v", err)
	}
	if gotPath != "/rest/v1/rpc/bot_runtime_get_context" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAPIKey != "service-key" || gotToken != "runtime-token" {
		t.Errorf("auth headers = %q / %q", gotAPIKey, gotToken)
	}
	if bc.StrategyKey != "breakout" || bc.MarketSymbol != "BTC/USDT" {
		t.Errorf("context = %+v", bc)
	}
	// Safety clamps applied at decode time.
	if bc.Risk.Leverage != config.MaxLeverage {
		t.Errorf("leverage = %v, want clamped to %v", bc.Risk.Leverage, config.MaxLeverage)
	}
	if bc.Execution.PollInterval < config.MinPollSeconds {
		t.Errorf("poll interval = %d, want >= %d", bc.Execution.PollInterval, config.MinPollSeconds)
	}
	if !bc.Control.TradingEnabled {
		t.Error("trading_enabled should default to true when bundle absent")
	}
}

func TestFetchBotContextNoData(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	})
	c, _ := newTestClient(t, handler)
	if _, err := c.FetchBotContext(context.Background(), "missing", ""); err == nil {
		t.Fatal("expected error for empty context")
	}
}

func TestGetOpenPositionFlatAndOpen(t *testing.T) {
	t.Parallel()

	open := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !open {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "pos-1",
			"status":      "open",
			"direction":   "long",
			"entry_price": 50000.0,
			"qty":         0.01,
		})
	})
	c, _ := newTestClient(t, handler)

	if row := c.GetOpenPosition(context.Background(), "bot-1"); row != nil {
		t.Errorf("expected nil when flat, got %+v", row)
	}
	open = true
	row := c.GetOpenPosition(context.Background(), "bot-1")
	if row == nil || row.ID != "pos-1" || row.Qty != 0.01 {
		t.Errorf("row = %+v", row)
	}
}

func TestCallRPCRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	// Three transient failures exhaust none of the three retries; the
	// fourth attempt succeeds.
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, handler)

	if err := c.SetExchangeSyncStatus(context.Background(), "bot-1", "ok"); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("calls = %d, want 4 (initial attempt plus three retries)", got)
	}
}

func TestCallRPCDoesNotRetryClientError(t *testing.T) {
	t.Parallel()

	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, handler)

	if err := c.SetExchangeSyncStatus(context.Background(), "bot-1", "ok"); err == nil {
		t.Fatal("expected error on 401")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestInsertPositionOpenReturnsID(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"id": "pos-9"})
	})
	c, _ := newTestClient(t, handler)

	id, err := c.InsertPositionOpen(context.Background(), "bot-1", map[string]any{
		"direction":   "long",
		"entry_price": 100.0,
	})
	if err != nil {
		t.Fatalf("InsertPositionOpen: %v", err)
	}
	if id != "pos-9" {
		t.Errorf("id = %s", id)
	}
	payload := gotBody["p_payload"].(map[string]any)
	if payload["status"] != "open" {
		t.Errorf("payload status = %v, want open", payload["status"])
	}
}

func TestHealthRecorderFeedback(t *testing.T) {
	t.Parallel()

	fail := true
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, handler)

	rec := &countingRecorder{}
	c.SetHealthRecorder(rec)

	_ = c.SetExchangeSyncStatus(context.Background(), "bot-1", "mismatch")
	fail = false
	_ = c.SetExchangeSyncStatus(context.Background(), "bot-1", "ok")

	if rec.errors != 1 || rec.oks != 1 {
		t.Errorf("recorder oks=%d errors=%d, want 1/1", rec.oks, rec.errors)
	}
}

type countingRecorder struct {
	oks, errors int
}

func (r *countingRecorder) RecordDBOK()    { r.oks++ }
func (r *countingRecorder) RecordDBError() { r.errors++ }

func TestUpsertHealthEvidenceSkipsRecorder(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, handler)
	rec := &countingRecorder{}
	c.SetHealthRecorder(rec)

	if _, err := c.UpsertHealthEvidence(context.Background(), "bot-1", map[string]any{"db_ok": true}); err != nil {
		t.Fatalf("UpsertHealthEvidence: %v", err)
	}
	if rec.oks != 0 && rec.errors != 0 {
		t.Error("health evidence flush must not feed the recorder")
	}
}

func TestQueueEmailIdempotencyKey(t *testing.T) {
	t.Parallel()

	var gotRow map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotRow)
		w.WriteHeader(http.StatusCreated)
	})
	c, _ := newTestClient(t, handler)

	c.QueueEmail(context.Background(), "user-1", "bot-1", "bot_error", "bot_error_email", nil, 600, 0, "")
	key, _ := gotRow["idempotency_key"].(string)
	if key == "" {
		t.Fatal("idempotency key missing")
	}
	const prefix = "user-1|bot-1|bot_error|"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		t.Errorf("idempotency key = %q, want %q prefix with window token", key, prefix)
	}
}
