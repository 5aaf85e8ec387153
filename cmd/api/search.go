package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

func newSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Maintain the message search index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Push every live message from Postgres into Meilisearch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return errors.New("reindex: MEILI_URL is not set")
			}

			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
			defer meili.Close()
			indexed, err := search.NewService(meili, search.NewPgFTS(db), logger).Reindex(cmd.Context())
			if err != nil {
				return fmt.Errorf("reindex after %d messages: %w", indexed, err)
			}
			logger.Info("reindex complete", zap.Int("indexed", indexed))
			return nil
		},
	})
	return cmd
}
