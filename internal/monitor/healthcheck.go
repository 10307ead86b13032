// Package monitor integrates the two external observability surfaces: a
// healthchecks.io dead-man's-switch per bot, and a New Relic Log API shipper
// for structured runtime events. Both are best effort: a monitoring outage
// must never take the trading loop down with it.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tradeworker/internal/config"
)

const (
	defaultAPIBase  = "https://healthchecks.io/api/v3"
	defaultPingBase = "https://hc-ping.com"

	defaultGraceSeconds = 900
)

// RuntimeStore persists the check UUID so restarts reuse the same check.
// Implemented by the db client against the bot_runtime table.
type RuntimeStore interface {
	GetHealthcheckUUID(ctx context.Context, botID string) string
	SaveHealthcheckUUID(ctx context.Context, botID, hioUUID string)
}

// Healthcheck manages one healthchecks.io check for the bot. The zero of a
// nil pointer is a disabled monitor: every method no-ops.
type Healthcheck struct {
	http   *resty.Client
	store  RuntimeStore
	logger *slog.Logger

	apiKey   string
	apiBase  string
	channels string
	grace    int
	support  string

	pingURL string
}

// NewHealthcheck builds the monitor from process settings.
func NewHealthcheck(cfg *config.Settings, store RuntimeStore, logger *slog.Logger) *Healthcheck {
	apiBase := cfg.HealthchecksAPIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	grace := cfg.HealthchecksGraceSeconds
	if grace <= 0 {
		grace = defaultGraceSeconds
	}
	return &Healthcheck{
		http:     resty.New().SetTimeout(5 * time.Second),
		store:    store,
		logger:   logger.With("component", "healthcheck"),
		apiKey:   cfg.HealthchecksAPIKey,
		apiBase:  apiBase,
		channels: cfg.HealthchecksChannels,
		grace:    grace,
		support:  cfg.SupportEmail,
	}
}

// Ensure makes sure a check exists for this bot: reuse the stored UUID when
// the update succeeds, otherwise create a fresh check. Timeout is twice the
// poll interval, floored at a minute.
func (h *Healthcheck) Ensure(ctx context.Context, botID, name string, pollInterval int) {
	if h == nil || h.apiKey == "" {
		return
	}
	timeout := pollInterval * 2
	if timeout < 60 {
		timeout = 60
	}

	if hioUUID := h.store.GetHealthcheckUUID(ctx, botID); hioUUID != "" {
		if h.update(ctx, hioUUID, timeout) {
			h.pingURL = defaultPingBase + "/" + hioUUID
			return
		}
		h.logger.Warn("check update failed, creating a new one", "hio_uuid", hioUUID)
	}
	h.create(ctx, botID, timeout)
}

func (h *Healthcheck) update(ctx context.Context, hioUUID string, timeout int) bool {
	payload := map[string]any{"timeout": timeout, "grace": h.grace}
	if h.channels != "" {
		payload["channels"] = h.channels
	}
	resp, err := h.http.R().
		SetContext(ctx).
		SetHeader("X-Api-Key", h.apiKey).
		SetBody(payload).
		Post(h.apiBase + "/checks/" + hioUUID)
	if err != nil || resp.StatusCode() >= 300 {
		return false
	}
	return true
}

func (h *Healthcheck) create(ctx context.Context, botID string, timeout int) {
	channels := h.channels
	if channels == "" {
		channels = "*"
	}
	support := h.support
	if support == "" {
		support = "botneedsattention@tradebothub.pro"
	}
	var created struct {
		PingURL   string `json:"ping_url"`
		UniqueKey string `json:"unique_key"`
	}
	resp, err := h.http.R().
		SetContext(ctx).
		SetHeader("X-Api-Key", h.apiKey).
		SetBody(map[string]any{
			"name":     "b-" + botID,
			"tags":     fmt.Sprintf("bot %s tradebothub", botID),
			"timeout":  timeout,
			"grace":    h.grace,
			"channels": channels,
			"desc":     fmt.Sprintf("Bot %s alert to %s", botID, support),
		}).
		SetResult(&created).
		Post(h.apiBase + "/checks/")
	if err != nil || resp.StatusCode() >= 300 || created.PingURL == "" {
		h.logger.Warn("check creation failed", "error", err)
		return
	}

	hioUUID := created.UniqueKey
	if hioUUID == "" {
		parts := strings.Split(strings.TrimRight(created.PingURL, "/"), "/")
		hioUUID = parts[len(parts)-1]
	}
	h.store.SaveHealthcheckUUID(ctx, botID, hioUUID)
	h.pingURL = created.PingURL
	h.logger.Info("check created", "hio_uuid", hioUUID)
}

// Ping signals liveness. No-op when no check was provisioned.
func (h *Healthcheck) Ping(ctx context.Context) {
	if h == nil || h.pingURL == "" {
		return
	}
	if _, err := h.http.R().SetContext(ctx).Get(h.pingURL); err != nil {
		h.logger.Warn("ping failed", "error", err)
	}
}

// Fail signals an explicit failure with an optional message.
func (h *Healthcheck) Fail(ctx context.Context, message string) {
	if h == nil || h.pingURL == "" {
		return
	}
	failURL := strings.TrimRight(h.pingURL, "/") + "/fail"
	if message != "" {
		failURL += "?msg=" + url.QueryEscape(message)
	}
	if _, err := h.http.R().SetContext(ctx).Get(failURL); err != nil {
		h.logger.Warn("fail ping failed", "error", err)
	}
}
