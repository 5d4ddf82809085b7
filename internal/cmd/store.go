package cmd

import (
	"context"
	"fmt"

	"github.com/esisync/esisync/internal/config"
	"github.com/esisync/esisync/internal/core/store"
)

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg == nil {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
