package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/skypass/fleetwatch/internal/config"
)

// watchReload reloads the configuration on SIGHUP until ctx ends.
func watchReload(ctx context.Context, holder *config.Holder, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := holder.Reload()
			if err != nil {
				logger.Error().Err(err).Msg("Config reload failed; keeping current configuration")
				continue
			}
			logger.Info().
				Dur("interval", cfg.Monitor.Interval).
				Dur("cooldown", cfg.Monitor.Cooldown).
				Msg("Configuration reloaded on SIGHUP")
		}
	}
}
