package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/caltube/caltube/internal/config"
	"github.com/caltube/caltube/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := buildLogger()

			// Open applies pending migrations before returning.
			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}

			if err := st.Close(); err != nil {
				return fmt.Errorf("closing database: %w", err)
			}

			logger.Info("migrations complete", "database", cfg.DatabasePath)

			return nil
		},
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.DatabasePath, err)
	}

	return st, nil
}
