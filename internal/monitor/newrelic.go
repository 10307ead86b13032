package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"tradeworker/internal/config"
)

const defaultLogAPI = "https://log-api.newrelic.com/log/v1"

// Shipper posts structured runtime events (BotHeartbeat, BotLoop, BotTrade,
// BotGate, BotError) to the New Relic Log API. Without a license key the
// shipper is disabled and Emit no-ops; delivery failures are swallowed.
type Shipper struct {
	http     *resty.Client
	logger   *slog.Logger
	endpoint string
	apiKey   string
	appName  string
}

// NewShipper builds the shipper from process settings. Returns a disabled
// shipper when NEW_RELIC_LICENSE_KEY is unset.
func NewShipper(cfg *config.Settings, logger *slog.Logger) *Shipper {
	endpoint := cfg.NewRelicLogAPI
	if endpoint == "" {
		endpoint = defaultLogAPI
	}
	appName := cfg.NewRelicAppName
	if appName == "" {
		appName = "tradeworker"
	}
	return &Shipper{
		http:     resty.New().SetTimeout(5 * time.Second),
		logger:   logger.With("component", "newrelic"),
		endpoint: endpoint,
		apiKey:   cfg.NewRelicLicenseKey,
		appName:  appName,
	}
}

// Enabled reports whether events will actually be delivered.
func (s *Shipper) Enabled() bool {
	return s != nil && s.apiKey != ""
}

// Emit ships one structured event. Fire and forget.
func (s *Shipper) Emit(ctx context.Context, eventType, level, message string, attrs map[string]any) {
	if !s.Enabled() {
		return
	}
	body := map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"message":   message,
		"level":     level,
		"service":   s.appName,
		"eventType": eventType,
	}
	for k, v := range attrs {
		if v == nil {
			continue
		}
		body[k] = v
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Api-Key", s.apiKey).
		SetBody(body).
		Post(s.endpoint)
	if err != nil || resp.StatusCode() >= 300 {
		s.logger.Debug("event delivery failed", "event_type", eventType, "error", err)
	}
}
