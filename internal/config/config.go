// Package config defines process settings and per-bot configuration handling.
//
// Two layers of configuration exist:
//
//   - Settings: the process environment (persistence endpoint, credentials
//     key, observability targets). Loaded once at boot from env vars with an
//     optional YAML file for local development.
//   - Configuration bundles: the per-bot strategy/risk/execution/control
//     bundles delivered by the persistence RPC. These are normalized with
//     hard safety clamps at boot and re-normalized on every control refresh.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the process-level configuration. Everything here comes from the
// environment; per-bot behavior lives in the configuration bundles instead.
type Settings struct {
	SupabaseURL        string `mapstructure:"supabase_url"`
	SupabaseServiceKey string `mapstructure:"supabase_service_role_key"`
	RuntimeToken       string `mapstructure:"runtime_token"`

	// Symmetric key for credential decryption. FernetKey wins when both are set.
	FernetKey string `mapstructure:"fernet_key"`
	BotEncKey string `mapstructure:"bot_enc_key"`

	// PollingTier overrides the configured tier when set.
	PollingTier string `mapstructure:"polling_tier"`

	SentimentScore string `mapstructure:"sentiment_score"`

	NewRelicLicenseKey string `mapstructure:"new_relic_license_key"`
	NewRelicAppName    string `mapstructure:"new_relic_app_name"`
	NewRelicLogAPI     string `mapstructure:"new_relic_log_api"`

	HealthchecksAPIKey       string `mapstructure:"healthchecks_api_key"`
	HealthchecksAPIBase      string `mapstructure:"healthchecks_api_base"`
	HealthchecksChannels     string `mapstructure:"healthchecks_channels"`
	HealthchecksGraceSeconds int    `mapstructure:"healthchecks_grace_seconds"`

	SupportEmail string `mapstructure:"support_email"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Load reads settings from the environment, with an optional YAML file for
// local development. Env vars use the well-known names (SUPABASE_URL etc.)
// to stay compatible with the deployment platform.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper has seen, so bind each name.
	for key, env := range map[string]string{
		"supabase_url":               "SUPABASE_URL",
		"supabase_service_role_key":  "SUPABASE_SERVICE_ROLE_KEY",
		"runtime_token":              "RUNTIME_TOKEN",
		"fernet_key":                 "FERNET_KEY",
		"bot_enc_key":                "BOT_ENC_KEY",
		"polling_tier":               "POLLING_TIER",
		"sentiment_score":            "SENTIMENT_SCORE",
		"new_relic_license_key":      "NEW_RELIC_LICENSE_KEY",
		"new_relic_app_name":         "NEW_RELIC_APP_NAME",
		"new_relic_log_api":          "NEW_RELIC_LOG_API",
		"healthchecks_api_key":       "HEALTHCHECKS_API_KEY",
		"healthchecks_api_base":      "HEALTHCHECKS_API_BASE",
		"healthchecks_channels":      "HEALTHCHECKS_CHANNELS",
		"healthchecks_grace_seconds": "HEALTHCHECKS_GRACE_SECONDS",
		"support_email":              "SUPPORT_EMAIL",
		"log_level":                  "LOG_LEVEL",
		"log_format":                 "LOG_FORMAT",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &s, nil
}

// Validate checks the fields the worker cannot run without.
func (s *Settings) Validate() error {
	if s.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if s.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required")
	}
	if s.RuntimeToken == "" {
		return fmt.Errorf("RUNTIME_TOKEN is required")
	}
	if s.FernetKey == "" && s.BotEncKey == "" {
		return fmt.Errorf("FERNET_KEY or BOT_ENC_KEY is required")
	}
	return nil
}

// EncryptionKey returns the symmetric key for credential decryption,
// preferring FERNET_KEY over BOT_ENC_KEY.
func (s *Settings) EncryptionKey() string {
	if s.FernetKey != "" {
		return s.FernetKey
	}
	return s.BotEncKey
}
