package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/database"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|status|down]",
		Short: "Apply, inspect or roll back database migrations",
		Long: `Manage the SQLite schema holding state history and the command audit log.
"up" (the default) applies pending migrations, "status" lists them and
"down" rolls back the most recent one.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "status", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), cfg.Database, action)
		},
	}
	return cmd
}

// runMigrate opens the database and performs one migration action.
func runMigrate(ctx context.Context, out io.Writer, dbCfg config.DatabaseConfig, action string) error {
	switch action {
	case "up", "status", "down":
	default:
		return fmt.Errorf("unknown migrate action %q: want up, status or down", action)
	}

	db, err := database.Open(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // CLI exit

	switch action {
	case "up":
		_, pending, err := db.GetMigrationStatus(ctx)
		if err != nil {
			return err
		}
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		fmt.Fprintf(out, "applied %d migration(s)\n", len(pending))

	case "status":
		applied, pending, err := db.GetMigrationStatus(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tSTATUS\tAPPLIED AT")
		for _, m := range applied {
			fmt.Fprintf(tw, "%s\tapplied\t%s\n", m.Version, m.AppliedAt.Format(time.RFC3339))
		}
		for _, m := range pending {
			fmt.Fprintf(tw, "%s\tpending\t-\n", m.Version)
		}
		return tw.Flush()

	case "down":
		version, err := db.MigrateDown(ctx)
		if err != nil {
			return fmt.Errorf("rolling back: %w", err)
		}
		if version == "" {
			fmt.Fprintln(out, "nothing to roll back")
			return nil
		}
		fmt.Fprintf(out, "rolled back %s\n", version)
	}

	return nil
}
