package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/memohai/omnibox/internal/db"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
		Example: `  omnibox migrate up
  omnibox migrate down`,
	}
	for _, dir := range []db.Direction{db.Up, db.Down} {
		cmd.AddCommand(&cobra.Command{
			Use:   string(dir),
			Short: fmt.Sprintf("Migrate the schema %s", dir),
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := provideConfig()
				if err != nil {
					return err
				}
				log := provideLogger(cfg)
				if err := db.Migrate(log, cfg.Postgres.DSN(), dir); err != nil {
					return err
				}
				log.Info("migration finished", slog.String("direction", string(dir)))
				return nil
			},
		})
	}
	return cmd
}
