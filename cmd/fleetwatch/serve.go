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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/skypass/fleetwatch/internal/alerter"
	"github.com/skypass/fleetwatch/internal/api"
	"github.com/skypass/fleetwatch/internal/auth"
	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/logbuffer"
	"github.com/skypass/fleetwatch/internal/monitor"
	"github.com/skypass/fleetwatch/internal/notifier"
	"github.com/skypass/fleetwatch/internal/prober"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring loop and the management API",
	RunE: func(cmd *cobra.Command, args []string) error {
		logBuffer := logbuffer.New(1000)
		cfg, logger, err := setup(logBuffer)
		if err != nil {
			return err
		}
		logger.Info().Msg("Starting fleetwatch")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		logger.Info().Str("driver", cfg.Database.Driver).Msg("Database ready")

		authn, err := auth.NewService(st, cfg.Auth)
		if err != nil {
			return err
		}
		generated, err := authn.EnsureAdmin(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword)
		if err != nil {
			return err
		}
		if generated != "" {
			announcePassword(cmd.ErrOrStderr(), logger, cfg.Auth.AdminUsername, generated)
		}
		if cfg.Auth.JWTSecret == "" {
			logger.Warn().Str("env", cfg.Auth.JWTSecretEnv).Msg("No token secret configured; sessions end on restart")
		}
		if !cfg.SMTP.Configured() {
			logger.Warn().Msg("SMTP is not fully configured; alerts will fail until it is")
		}

		holder := config.NewHolder(cfg, configPath)

		p := prober.New(logger,
			prober.WithAPIPort(cfg.Probe.APIPort),
			prober.WithTimeout(cfg.Probe.Timeout),
		)
		n := notifier.NewNotifier(holder, notifier.SMTPMailer{}, logger)
		engine := alerter.NewEngine(n, st, logger)
		mon := monitor.New(st, p, engine, holder, logger)

		server := api.NewServer(st, mon, authn, holder, logger)
		server.SetLogBuffer(logBuffer)
		server.SetReloadFunc(func() (*config.Config, error) {
			logger.Info().Str("config_path", configPath).Msg("Reloading configuration")
			return holder.Reload()
		})

		go watchReload(ctx, holder, logger)
		monDone := make(chan struct{})
		go func() {
			defer close(monDone)
			mon.Run(ctx)
		}()

		err = server.Start(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		logger.Info().Msg("Shutting down")
		// The store closes on return; let in-flight checks finish recording.
		stop()
		<-monDone
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// announcePassword shows a generated admin password on w only. The logger
// feeds /api/logs, so it records that a password was generated but not the
// password itself.
func announcePassword(w io.Writer, logger zerolog.Logger, username, password string) {
	fmt.Fprintf(w, "Created admin account %q with generated password: %s\nChange it after first login.\n", username, password)
	logger.Warn().
		Str("username", username).
		Msg("Created admin account with a generated password; it was printed to stderr")
}
