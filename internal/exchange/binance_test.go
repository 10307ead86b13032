package exchange

import (
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"

	"tradeworker/internal/health"
	"tradeworker/pkg/types"
)

func TestFuturesSymbol(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"BTC/USDT", "BTCUSDT"},
		{"eth/usdt", "ETHUSDT"},
		{"SOL-USDT", "SOLUSDT"},
		{"BTCUSDT", "BTCUSDT"},
	}
	for _, tc := range cases {
		if got := FuturesSymbol(tc.in); got != tc.want {
			t.Errorf("FuturesSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatQuantityTruncates(t *testing.T) {
	t.Parallel()

	b := &Binance{qtyPrecision: 3}
	cases := []struct {
		qty  float64
		want string
	}{
		{0.123456, "0.123"},
		{1.9999, "1.999"}, // truncation, not rounding
		{2, "2"},
		{0.0004, "0"},
	}
	for _, tc := range cases {
		if got := b.FormatQuantity(tc.qty); got != tc.want {
			t.Errorf("FormatQuantity(%v) = %q, want %q", tc.qty, got, tc.want)
		}
	}

	whole := &Binance{qtyPrecision: 0}
	if got := whole.FormatQuantity(5.7); got != "5" {
		t.Errorf("FormatQuantity(5.7) at precision 0 = %q, want %q", got, "5")
	}
}

func TestBinanceSide(t *testing.T) {
	t.Parallel()

	if got := binanceSide(types.Buy); got != "BUY" {
		t.Errorf("binanceSide(buy) = %q", got)
	}
	if got := binanceSide(types.Sell); got != "SELL" {
		t.Errorf("binanceSide(sell) = %q", got)
	}
}

func TestClassifyTagsAPIErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int64
		want health.ReasonCode
	}{
		{-2015, health.ReasonInvalidAPIKey},
		{-2014, health.ReasonInvalidAPIKey},
		{-2019, health.ReasonInsufficientBalance},
		{-2010, health.ReasonInsufficientBalance},
		{-1003, health.ReasonRateLimit},
		{-1015, health.ReasonRateLimit},
		{-4164, health.ReasonMinNotional},
	}
	for _, tc := range cases {
		apiErr := &common.APIError{Code: tc.code, Message: "x"}
		err := classify(fmt.Errorf("create order: %w", apiErr))
		if got := health.ClassifyError(err); got != tc.want {
			t.Errorf("code %d classified as %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestClassifyPassesThroughUnknown(t *testing.T) {
	t.Parallel()

	plain := fmt.Errorf("connection reset")
	if got := classify(plain); got != plain {
		t.Errorf("plain error must pass through unchanged, got %v", got)
	}

	apiErr := &common.APIError{Code: -1121, Message: "Invalid symbol."}
	err := classify(fmt.Errorf("fetch ticker: %w", apiErr))
	if got := health.ClassifyError(err); got != health.ReasonUnknown {
		t.Errorf("unmapped api code classified as %s, want %s", got, health.ReasonUnknown)
	}
}

func TestParseFloat(t *testing.T) {
	t.Parallel()

	if got := parseFloat("42.5"); got != 42.5 {
		t.Errorf("parseFloat(42.5) = %v", got)
	}
	if got := parseFloat(""); got != 0 {
		t.Errorf("parseFloat(empty) = %v, want 0", got)
	}
	if got := parseFloat("abc"); got != 0 {
		t.Errorf("parseFloat(abc) = %v, want 0", got)
	}
}
