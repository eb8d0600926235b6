package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/database"
)

func newMigrateCmd() *cobra.Command {
	var version uint
	var force int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply result store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.stop(a.cfg.ShutdownTimeout)

			if !a.cfg.DatabaseEnabled() {
				a.logger.Warn("DB_HOST is not set, nothing to migrate")
				return nil
			}

			db, err := database.Open(cmd.Context(), database.Config{DSN: a.cfg.DatabaseDSN()}, a.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			cfg := database.MigrationConfig{
				FolderPath:   a.cfg.DatabaseMigrationFolderPath,
				Version:      uint(max(a.cfg.DatabaseMigrationVersion, 0)),
				Force:        a.cfg.DatabaseMigrationForce,
				AutoRollback: a.cfg.DatabaseMigrationAutoRollback,
			}
			if cmd.Flags().Changed("version") {
				cfg.Version = version
			}
			if cmd.Flags().Changed("force") {
				cfg.Force = force
			}

			return database.NewMigrationService(a.logger, cfg).Migrate(db)
		},
	}

	cmd.Flags().UintVar(&version, "version", 0, "migrate to this version instead of the latest")
	cmd.Flags().IntVar(&force, "force", 0, "mark the schema clean at this version before migrating")
	return cmd
}
