package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sprucehealth/ivrdialer/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ivrdialer",
	Short: "Outbound IVR call campaign dialer",
	Long: `ivrdialer places outbound calls to automated phone systems, one at a time.
- Campaign: a contact list dialed in order, optionally pausing for operator confirmation between calls.
- Status channel: per-call websocket carrying call status, the live transcript and the answers the automation sent.
- Presence: after a transfer to a human is requested, audio energy or new transcript marks the agent as connected.
- Providers: "backend" places calls through the automation HTTP API, "twilio" places them directly with Twilio.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("provider", config.ProviderBackend, "call provider (backend, twilio)")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(contactsCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads the config and installs the default logger
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, nil, err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
