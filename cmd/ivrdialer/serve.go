package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sprucehealth/ivrdialer/console"
	"github.com/sprucehealth/ivrdialer/contacts"
)

func serveCmd() *cobra.Command {
	var contactsFile string
	var start bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dialer with the operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer a.engine.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.engine.Start(ctx); err != nil {
				// the console keeps running; the error is shown to the operator
				logger.Error("provider init failed", "error", err)
			}
			if contactsFile != "" {
				list, err := contacts.Load(contactsFile)
				if err != nil {
					return err
				}
				if err := a.engine.UploadContacts(list); err != nil {
					return err
				}
				if start {
					if err := a.engine.StartCampaign(); err != nil {
						return err
					}
				}
			}

			cs, err := console.NewConsoleServer(a.engine, cfg.Listen, a.console...)
			if err != nil {
				return err
			}
			errc := make(chan error, 1)
			go func() {
				errc <- cs.Start()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return cs.Stop(shutdownCtx)
		},
	}
	cmd.Flags().String("listen", ":8089", "console listen address")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	cmd.Flags().StringVar(&contactsFile, "contacts", "", "contact list to load (yaml or json)")
	cmd.Flags().BoolVar(&start, "start", false, "start the campaign after loading contacts")
	return cmd
}
