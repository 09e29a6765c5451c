package main

import (
	"fmt"
	"strconv"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"storepay/internal/common/database"
	"storepay/internal/payment/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back payment store schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mg, err := newMigrator()
			if err != nil {
				return err
			}
			defer mg.Close()
			return mg.Up()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations, one step by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				steps = n
			}

			mg, err := newMigrator()
			if err != nil {
				return err
			}
			defer mg.Close()
			return mg.Down(steps)
		},
	})

	return cmd
}

// newMigrator needs only the database settings, so migrations can run
// before the rest of the service is configured.
func newMigrator() (*database.Migrator, error) {
	var server ServerConfig
	if err := envconfig.Process("", &server); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}
	var db database.Config
	if err := envconfig.Process("", &db); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}

	logger := setupLogger(server.LogLevel, server.LogFormat)
	return database.NewMigrator(store.Migrations, store.MigrationsDir, db.URL, logger)
}
