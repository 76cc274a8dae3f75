package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprucehealth/ivrdialer/config"
	"github.com/sprucehealth/ivrdialer/console"
	"github.com/sprucehealth/ivrdialer/engine"
	"github.com/sprucehealth/ivrdialer/model"
)

func callCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <phone>",
		Short: "Place a single call and wait for it to end",
		Args:  cobra.ExactArgs(1),
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
				logger.Error("provider init failed", "error", err)
			}

			// twilio reports status through webhooks, so the endpoints must be up
			if cfg.Provider == config.ProviderTwilio {
				cs, err := console.NewConsoleServer(a.engine, cfg.Listen, a.console...)
				if err != nil {
					return err
				}
				go func() {
					if err := cs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("console stopped", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = cs.Stop(shutdownCtx)
				}()
			}

			sess, err := a.engine.ManualCall(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "calling %s (session %s)\n", sess.PhoneNumber, sess.ID)

			last, err := waitForCall(ctx, cmd.OutOrStdout(), a.engine, sess.ID, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call ended: %s", last.Status)
			if last.DisconnectReason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", last.DisconnectReason)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "hang up after this long")
	return cmd
}

// waitForCall polls the engine until session id has ended. On timeout or
// cancellation the call is hung up.
func waitForCall(ctx context.Context, out io.Writer, e *engine.Engine, id string, timeout time.Duration) (*model.CallSession, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(engine.DefaultPollInterval)
	defer tick.Stop()
	var printed string
	for {
		snap := e.Snapshot()
		if snap.Session == nil || snap.Session.ID != id {
			if snap.LastSession != nil && snap.LastSession.ID == id {
				return snap.LastSession, nil
			}
			if snap.CooldownRemaining > 0 {
				return nil, &engine.RateLimitedError{RetryAfter: snap.CooldownRemaining}
			}
			return nil, fmt.Errorf("session %s is gone", id)
		}
		if snap.Status != printed {
			printed = snap.Status
			fmt.Fprintln(out, "status:", printed)
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			_ = e.Hangup()
			return nil, fmt.Errorf("call did not end within %s", timeout)
		case <-ctx.Done():
			_ = e.Hangup()
			return nil, ctx.Err()
		}
	}
}
