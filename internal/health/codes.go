// Package health aggregates per-tick health signals and flushes them to the
// persistence layer as a sparse evidence patch. The reporter debounces
// flushes, keys its cadence off the polling tier and whether the bot is in a
// position, and keeps a 15-minute rolling window of event counters.
package health

import (
	"errors"
	"strings"
)

// ReasonCode is the tagged error kind the core produces or classifies.
type ReasonCode string

const (
	ReasonUnknown             ReasonCode = "UNKNOWN_ERROR"
	ReasonInvalidAPIKey       ReasonCode = "INVALID_API_KEY"
	ReasonInsufficientBalance ReasonCode = "INSUFFICIENT_BALANCE"
	ReasonMinNotional         ReasonCode = "MIN_NOTIONAL"
	ReasonRateLimit           ReasonCode = "RATE_LIMIT"
	ReasonWebsocketTimeout    ReasonCode = "WEBSOCKET_TIMEOUT"
	ReasonPositionMismatch    ReasonCode = "POSITION_MISMATCH"
	ReasonDBTimeout           ReasonCode = "DB_TIMEOUT"
	ReasonIndicatorError      ReasonCode = "INDICATOR_ERROR"
	ReasonSlippageGuard       ReasonCode = "SLIPPAGE_GUARD"
)

// reasonPatterns is checked in order; first match wins.
var reasonPatterns = []struct {
	substr string
	code   ReasonCode
}{
	{"invalid api", ReasonInvalidAPIKey},
	{"invalid key", ReasonInvalidAPIKey},
	{"api-key", ReasonInvalidAPIKey},
	{"insufficient balance", ReasonInsufficientBalance},
	{"insufficient funds", ReasonInsufficientBalance},
	{"insufficient margin", ReasonInsufficientBalance},
	{"min notional", ReasonMinNotional},
	{"min_notional", ReasonMinNotional},
	{"rate limit", ReasonRateLimit},
	{"ratelimit", ReasonRateLimit},
	{"too many requests", ReasonRateLimit},
	{"ddos", ReasonRateLimit},
	{"slippage", ReasonSlippageGuard},
	{"db timeout", ReasonDBTimeout},
	{"db_timeout", ReasonDBTimeout},
	{"position mismatch", ReasonPositionMismatch},
	{"indicator", ReasonIndicatorError},
	{"timeout", ReasonWebsocketTimeout},
	{"websocket", ReasonWebsocketTimeout},
}

// Coder is implemented by errors that carry their reason code explicitly.
// Adapter boundaries tag errors so classification does not depend on message
// text; substring matching below is the fallback for untagged errors from
// third-party SDKs.
type Coder interface {
	ReasonCode() ReasonCode
}

// ClassifyError maps an error to a reason code: tagged kind first, then
// case-insensitive substring matching, then UNKNOWN_ERROR.
func ClassifyError(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var coder Coder
	if errors.As(err, &coder) {
		return coder.ReasonCode()
	}
	text := strings.ToLower(err.Error())
	for _, p := range reasonPatterns {
		if strings.Contains(text, p.substr) {
			return p.code
		}
	}
	return ReasonUnknown
}

// IsRateLimitError reports whether an error looks like an exchange rate
// limit, for the loop's backoff accounting.
func IsRateLimitError(err error) bool {
	return err != nil && ClassifyError(err) == ReasonRateLimit
}

// NormalizeReason upper-cases a free-form reason string, defaulting to
// UNKNOWN_ERROR when empty.
func NormalizeReason(code string) ReasonCode {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ReasonUnknown
	}
	return ReasonCode(code)
}

// TaggedError wraps an error with an explicit reason code.
type TaggedError struct {
	Code ReasonCode
	Err  error
}

func (e *TaggedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *TaggedError) Unwrap() error { return e.Err }

// ReasonCode implements Coder.
func (e *TaggedError) ReasonCode() ReasonCode { return e.Code }

// Tag attaches a reason code to err. Returns nil for a nil err.
func Tag(code ReasonCode, err error) error {
	if err == nil {
		return nil
	}
	return &TaggedError{Code: code, Err: err}
}
