package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/onnwee/questrelay/config"
	"github.com/onnwee/questrelay/db"
)

func newMigrateCommand() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back one step of) the versioned database migrations",
		Args:  cobra.NoArgs,
		Example: `  questrelay migrate
  questrelay migrate --down`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			database, err := db.Connect(cfg.DBDsn)
			if err != nil {
				return fmt.Errorf("failed to open db: %w", err)
			}
			defer func() { _ = database.Close() }()

			if down {
				err = db.MigrateDown(database)
			} else {
				err = db.RunMigrations(database)
			}
			if err != nil {
				return err
			}
			version, dirty, err := db.GetMigrationVersion(database)
			if err != nil {
				return err
			}
			slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty), slog.String("component", "db_migrate"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration")
	return cmd
}
