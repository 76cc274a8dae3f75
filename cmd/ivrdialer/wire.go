package main

import (
	"fmt"
	"log/slog"

	"github.com/sprucehealth/ivrdialer/callapi"
	"github.com/sprucehealth/ivrdialer/config"
	"github.com/sprucehealth/ivrdialer/console"
	"github.com/sprucehealth/ivrdialer/engine"
	"github.com/sprucehealth/ivrdialer/mediastream"
	"github.com/sprucehealth/ivrdialer/statusws"
	"github.com/sprucehealth/ivrdialer/twilioapi"
)

// app is an engine wired to the configured provider
type app struct {
	engine  *engine.Engine
	console []console.Option
}

func twilioConfig(cfg *config.Config) twilioapi.Config {
	return twilioapi.Config{
		AccountSID:        cfg.Twilio.AccountSID,
		AuthToken:         cfg.Twilio.AuthToken,
		From:              cfg.Twilio.From,
		AnswerURL:         cfg.Twilio.AnswerURL,
		StatusCallbackURL: cfg.Twilio.StatusCallbackURL,
		MediaURL:          cfg.Twilio.MediaURL,
		APIKeySID:         cfg.Twilio.APIKeySID,
		APISecret:         cfg.Twilio.APISecret,
		ApplicationSID:    cfg.Twilio.ApplicationSID,
		Identity:          cfg.Twilio.Identity,
	}
}

// buildApp wires the engine. The backend provider pairs the HTTP call API
// with the status websocket; the twilio provider reports status through its
// webhook and audio energy through media streams.
func buildApp(cfg *config.Config, api twilioapi.CallsAPI, logger *slog.Logger) (*app, error) {
	opts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithNotificationTTL(cfg.Notifications.TTL),
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithDefaultCooldown(cfg.DefaultCooldown),
		engine.WithInterCallDelay(cfg.Campaign.InterCallDelay),
		engine.WithConfirmationRequired(cfg.Campaign.ConfirmationRequired),
		engine.WithPresenceConfig(engine.PresenceConfig{
			EnergyThreshold: cfg.Presence.EnergyThreshold,
			SilenceWindow:   cfg.Presence.SilenceWindow,
			IndicatorTTL:    cfg.Presence.IndicatorTTL,
		}),
	}
	var consoleOpts []console.Option

	switch cfg.Provider {
	case config.ProviderBackend:
		opts = append(opts, engine.WithDialer(callapi.NewClient(cfg.API.BaseURL, cfg.API.Timeout)))
		if cfg.API.WSBaseURL != "" {
			ch, err := statusws.New(cfg.API.WSBaseURL, logger)
			if err != nil {
				return nil, err
			}
			opts = append(opts, engine.WithStatusChannel(ch))
		}
	case config.ProviderTwilio:
		tcfg := twilioConfig(cfg)
		if api == nil {
			api = twilioapi.NewRestAPI(tcfg)
		}
		provider := twilioapi.NewProvider(tcfg, api, logger)
		hub := mediastream.NewHub(provider, logger)
		opts = append(opts,
			engine.WithDialer(provider),
			engine.WithSoftphone(provider),
			engine.WithEnergySource(hub),
			engine.WithContactBoundConnections(),
		)
		consoleOpts = append(consoleOpts,
			console.WithTwilioStatus(provider.StatusHandler()),
			console.WithTwilioMedia(hub),
		)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	consoleOpts = append(consoleOpts, console.WithLogger(logger))
	return &app{engine: engine.NewEngine(opts...), console: consoleOpts}, nil
}
