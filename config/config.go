// Package config loads ivrdialer settings from a YAML file, IVRDIALER_*
// environment variables and command line flags.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. IVRDIALER_API_BASE_URL
const EnvPrefix = "IVRDIALER"

const (
	ProviderBackend = "backend"
	ProviderTwilio  = "twilio"
)

// Config models ivrdialer.yaml
type Config struct {
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`
	Provider string `mapstructure:"provider"`

	API struct {
		BaseURL   string        `mapstructure:"base_url"`
		WSBaseURL string        `mapstructure:"ws_base_url"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"api"`

	Campaign struct {
		InterCallDelay       time.Duration `mapstructure:"inter_call_delay"`
		ConfirmationRequired bool          `mapstructure:"confirmation_required"`
	} `mapstructure:"campaign"`

	Notifications struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"notifications"`

	Presence struct {
		EnergyThreshold float64       `mapstructure:"energy_threshold"`
		SilenceWindow   time.Duration `mapstructure:"silence_window"`
		IndicatorTTL    time.Duration `mapstructure:"indicator_ttl"`
	} `mapstructure:"presence"`

	PollInterval    time.Duration `mapstructure:"poll_interval"`
	DefaultCooldown time.Duration `mapstructure:"default_cooldown"`

	Twilio Twilio `mapstructure:"twilio"`
}

// Twilio holds the telephony provider account settings
type Twilio struct {
	AccountSID        string `mapstructure:"account_sid"`
	AuthToken         string `mapstructure:"auth_token"`
	From              string `mapstructure:"from"`
	AnswerURL         string `mapstructure:"answer_url"`
	StatusCallbackURL string `mapstructure:"status_callback_url"`
	MediaURL          string `mapstructure:"media_url"`
	APIKeySID         string `mapstructure:"api_key_sid"`
	APISecret         string `mapstructure:"api_secret"`
	ApplicationSID    string `mapstructure:"application_sid"`
	Identity          string `mapstructure:"identity"`
}

var defaults = map[string]any{
	"listen":                         ":8089",
	"log_level":                      "info",
	"provider":                       ProviderBackend,
	"api.base_url":                   "http://localhost:3001",
	"api.ws_base_url":                "ws://localhost:3001",
	"api.timeout":                    "15s",
	"campaign.inter_call_delay":      "2s",
	"campaign.confirmation_required": true,
	"notifications.ttl":              "5s",
	"presence.energy_threshold":      0.02,
	"presence.silence_window":        "5s",
	"presence.indicator_ttl":         "3s",
	"poll_interval":                  "500ms",
	"default_cooldown":               "60s",
	"twilio.account_sid":             "",
	"twilio.auth_token":              "",
	"twilio.from":                    "",
	"twilio.answer_url":              "",
	"twilio.status_callback_url":     "",
	"twilio.media_url":               "",
	"twilio.api_key_sid":             "",
	"twilio.api_secret":              "",
	"twilio.application_sid":         "",
	"twilio.identity":                "operator",
}

// SetDefaults registers every key so environment overrides are seen by Unmarshal
func SetDefaults(v *viper.Viper) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads path (optional) into v and validates the result. Flags bound on
// v before the call take precedence over the file and environment.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate ensures the config is usable
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderBackend:
		if err := checkURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
			return err
		}
	case ProviderTwilio:
		if c.Twilio.AccountSID == "" {
			return fmt.Errorf("twilio.account_sid is required for the twilio provider")
		}
		if c.Twilio.AuthToken == "" && c.Twilio.APISecret == "" {
			return fmt.Errorf("twilio.auth_token or twilio.api_secret is required")
		}
		if c.Twilio.From == "" {
			return fmt.Errorf("twilio.from is required for the twilio provider")
		}
	default:
		return fmt.Errorf("provider must be %q or %q, got %q", ProviderBackend, ProviderTwilio, c.Provider)
	}
	if c.API.WSBaseURL != "" {
		if err := checkURL("api.ws_base_url", c.API.WSBaseURL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}
	if c.Campaign.InterCallDelay < 0 {
		return fmt.Errorf("campaign.inter_call_delay must not be negative")
	}
	if c.Presence.EnergyThreshold <= 0 || c.Presence.EnergyThreshold >= 1 {
		return fmt.Errorf("presence.energy_threshold must be between 0 and 1")
	}
	for key, d := range map[string]time.Duration{
		"notifications.ttl":       c.Notifications.TTL,
		"presence.silence_window": c.Presence.SilenceWindow,
		"presence.indicator_ttl":  c.Presence.IndicatorTTL,
		"poll_interval":           c.PollInterval,
		"default_cooldown":        c.DefaultCooldown,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log_level string to a slog level
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL, got %q", key, strings.Join(schemes, "/"), raw)
}
