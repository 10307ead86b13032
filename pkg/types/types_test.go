package types

import (
	"strings"
	"testing"
	"time"
)

func TestTimeframeSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tf   string
		want float64
	}{
		{"1m", 60},
		{"5m", 300},
		{"15m", 900},
		{"1h", 3600},
		{"4h", 14400},
		{"1d", 86400},
		{"1w", 604800},
		{" 1H ", 3600}, // trimmed, case-insensitive
		{"", 60},       // default
		{"xyz", 60},    // unparsable
	}

	for _, tt := range tests {
		if got := TimeframeSeconds(tt.tf); got != tt.want {
			t.Errorf("TimeframeSeconds(%q) = %v, want %v", tt.tf, got, tt.want)
		}
	}
}

func TestWeekKey(t *testing.T) {
	t.Parallel()

	// 2024-12-30 falls in ISO week 1 of 2025.
	d := time.Date(2024, 12, 30, 12, 0, 0, 0, time.UTC)
	if got := WeekKey(d); got != "2025-1" {
		t.Errorf("WeekKey(%v) = %q, want %q", d, got, "2025-1")
	}

	mid := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	if got := WeekKey(mid); got != "2026-25" {
		t.Errorf("WeekKey(%v) = %q, want %q", mid, got, "2026-25")
	}
}

func TestDirectionHelpers(t *testing.T) {
	t.Parallel()

	if Long.Sign() != 1 || Short.Sign() != -1 {
		t.Errorf("Sign: long=%v short=%v", Long.Sign(), Short.Sign())
	}
	if Long.EntrySide() != Buy || Long.ExitSide() != Sell {
		t.Errorf("long sides = %v/%v", Long.EntrySide(), Long.ExitSide())
	}
	if Short.EntrySide() != Sell || Short.ExitSide() != Buy {
		t.Errorf("short sides = %v/%v", Short.EntrySide(), Short.ExitSide())
	}
}

func TestQuoteAndBaseCurrency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		symbol string
		base   string
		quote  string
	}{
		{"BTC/USDT", "BTC", "USDT"},
		{"ETH-USD", "ETH", "USD"},
		{"SOLUSDT", "SOLUSDT", "SOLUSDT"}, // no separator
	}

	for _, tt := range tests {
		if got := BaseCurrency(tt.symbol); got != tt.base {
			t.Errorf("BaseCurrency(%q) = %q, want %q", tt.symbol, got, tt.base)
		}
		if got := QuoteCurrency(tt.symbol); got != tt.quote {
			t.Errorf("QuoteCurrency(%q) = %q, want %q", tt.symbol, got, tt.quote)
		}
	}
}

func TestNewClientOrderID(t *testing.T) {
	t.Parallel()

	id := NewClientOrderID("bot-1", "")
	if !strings.HasPrefix(id, "bot-1-") {
		t.Fatalf("id %q missing bot prefix", id)
	}
	suffix := strings.TrimPrefix(id, "bot-1-")
	if len(suffix) != 10 {
		t.Errorf("random part = %q, want 10 hex chars", suffix)
	}

	entry := NewClientOrderID("bot-1", "entry")
	if !strings.HasSuffix(entry, "-entry") {
		t.Errorf("id %q missing purpose suffix", entry)
	}

	if NewClientOrderID("bot-1", "") == NewClientOrderID("bot-1", "") {
		t.Error("two minted ids should not collide")
	}

	price := (&Order{Average: 0}).PriceOr(101.5)
	if price != 101.5 {
		t.Errorf("PriceOr fallback = %v, want 101.5", price)
	}
}
