package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/store"
	"github.com/skypass/fleetwatch/internal/store/gormstore"
	"github.com/skypass/fleetwatch/internal/store/pgstore"
)

// openStore picks the backend for the configured driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (store.Store, error) {
	if cfg.Driver == "postgres" {
		pg, err := pgstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	st, err := gormstore.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return st, nil
}
