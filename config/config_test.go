package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/sprucehealth/ivrdialer/config"
)

func TestLoadDefaults(t *testing.T) {
	c, err := config.Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Listen != ":8089" || c.Provider != config.ProviderBackend {
		t.Errorf("listen/provider = %q/%q", c.Listen, c.Provider)
	}
	if c.API.BaseURL != "http://localhost:3001" || c.API.WSBaseURL != "ws://localhost:3001" {
		t.Errorf("api = %+v", c.API)
	}
	if c.Campaign.InterCallDelay != 2*time.Second || !c.Campaign.ConfirmationRequired {
		t.Errorf("campaign = %+v", c.Campaign)
	}
	if c.Notifications.TTL != 5*time.Second {
		t.Errorf("notification ttl = %v", c.Notifications.TTL)
	}
	if c.Presence.EnergyThreshold != 0.02 || c.Presence.SilenceWindow != 5*time.Second || c.Presence.IndicatorTTL != 3*time.Second {
		t.Errorf("presence = %+v", c.Presence)
	}
	if c.PollInterval != 500*time.Millisecond || c.DefaultCooldown != time.Minute {
		t.Errorf("poll/cooldown = %v/%v", c.PollInterval, c.DefaultCooldown)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ivrdialer.yaml")
	err := os.WriteFile(path, []byte(`
provider: twilio
log_level: debug
campaign:
  inter_call_delay: 10s
  confirmation_required: false
twilio:
  account_sid: AC123
  auth_token: tok
  from: "+15550001111"
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("IVRDIALER_CAMPAIGN_INTER_CALL_DELAY", "3s")
	t.Setenv("IVRDIALER_TWILIO_MEDIA_URL", "wss://dialer.example.com/twilio/media")

	c, err := config.Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Provider != config.ProviderTwilio || c.Twilio.AccountSID != "AC123" || c.Twilio.From != "+15550001111" {
		t.Errorf("twilio = %+v", c.Twilio)
	}
	if c.Campaign.InterCallDelay != 3*time.Second {
		t.Errorf("env override lost: delay = %v", c.Campaign.InterCallDelay)
	}
	if c.Campaign.ConfirmationRequired {
		t.Error("confirmation_required from file ignored")
	}
	if c.Twilio.MediaURL != "wss://dialer.example.com/twilio/media" {
		t.Errorf("media url = %q", c.Twilio.MediaURL)
	}
	if lvl, _ := config.ParseLevel(c.LogLevel); lvl != slog.LevelDebug {
		t.Errorf("level = %v", lvl)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"provider", func(c *config.Config) { c.Provider = "connect" }, "provider must be"},
		{"base url", func(c *config.Config) { c.API.BaseURL = "localhost:3001" }, "api.base_url"},
		{"ws url", func(c *config.Config) { c.API.WSBaseURL = "ftp://x" }, "api.ws_base_url"},
		{"delay", func(c *config.Config) { c.Campaign.InterCallDelay = -time.Second }, "inter_call_delay"},
		{"threshold", func(c *config.Config) { c.Presence.EnergyThreshold = 0 }, "energy_threshold"},
		{"ttl", func(c *config.Config) { c.Notifications.TTL = 0 }, "notifications.ttl"},
		{"level", func(c *config.Config) { c.LogLevel = "loud" }, "log_level"},
		{"twilio account", func(c *config.Config) { c.Provider = config.ProviderTwilio }, "account_sid"},
		{"twilio from", func(c *config.Config) {
			c.Provider = config.ProviderTwilio
			c.Twilio.AccountSID = "AC1"
			c.Twilio.AuthToken = "tok"
		}, "twilio.from"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := config.Load(viper.New(), "")
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(c)
			err = c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}
