package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprucehealth/ivrdialer/twilioapi"
)

func tokenCmd() *cobra.Command {
	var identity string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a Twilio softphone access token for the operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if identity == "" {
				identity = cfg.Twilio.Identity
			}
			token, err := twilioapi.MintToken(twilioapi.TokenParams{
				AccountSID:     cfg.Twilio.AccountSID,
				APIKeySID:      cfg.Twilio.APIKeySID,
				APISecret:      cfg.Twilio.APISecret,
				ApplicationSID: cfg.Twilio.ApplicationSID,
				Identity:       identity,
				TTL:            ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "softphone identity (defaults to twilio.identity)")
	cmd.Flags().DurationVar(&ttl, "ttl", twilioapi.DefaultTokenTTL, "token lifetime")
	return cmd
}
