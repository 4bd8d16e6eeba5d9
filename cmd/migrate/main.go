package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kanbanfeed/crowbar-master-backend/internal/config"
	"github.com/kanbanfeed/crowbar-master-backend/internal/db"
	"github.com/kanbanfeed/crowbar-master-backend/migrations"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"
)

const (
	migrationsTable = "crowbar_schema_migrations"
	locksTable      = "crowbar_schema_migration_locks"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the crowbar ledger schema",
		Long: `Applies the Go migrations registered in ./migrations to DATABASE_URL.

The users, credits_ledger, credits_history and referrals tables ship as
migrations/20260301000000_ledger_schema.go.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(upCmd(), downCmd(), statusCmd(), createCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withMigrator runs fn holding the migration lock.
func withMigrator(ctx context.Context, fn func(*migrate.Migrator) error) error {
	cfg := config.Load()
	bunDB := db.NewBunPostgresClient(cfg.DatabaseURL)
	defer bunDB.Close()

	migrator := migrate.NewMigrator(bunDB, migrations.Migrations,
		migrate.WithTableName(migrationsTable),
		migrate.WithLocksTableName(locksTable),
		migrate.WithMarkAppliedOnSuccess(true),
	)
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("init migration tables: %w", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to unlock migrations")
		}
	}()
	return fn(migrator)
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending ledger migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *migrate.Migrator) error {
				group, err := m.Migrate(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				if group.IsZero() {
					log.Info().Msg("Ledger schema is up to date")
					return nil
				}
				log.Info().Str("group", group.String()).Msg("Ledger schema migrated")
				return nil
			})
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration group",
		Long: `Rolls back the last applied group. Rolling back the ledger schema
drops every ledger table and its data.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *migrate.Migrator) error {
				group, err := m.Rollback(cmd.Context())
				if err != nil {
					return fmt.Errorf("rollback: %w", err)
				}
				if group.IsZero() {
					log.Info().Msg("Nothing to roll back")
					return nil
				}
				log.Info().Str("group", group.String()).Msg("Ledger schema rolled back")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List ledger migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *migrate.Migrator) error {
				ms, err := m.MigrationsWithStatus(cmd.Context())
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				for _, mig := range ms {
					state := "pending"
					if mig.IsApplied() {
						state = fmt.Sprintf("applied (group %d)", mig.GroupID)
					}
					fmt.Fprintf(out, "%s\t%s\n", mig.Name, state)
				}
				return nil
			})
		},
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Scaffold a Go migration in ./migrations",
		Example: `  migrate create add_partner_index
  migrate create "backfill history origin"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := migrationName(args)
			if err != nil {
				return err
			}
			return withMigrator(cmd.Context(), func(m *migrate.Migrator) error {
				f, err := m.CreateGoMigration(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("create migration: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), f.Path)
				return nil
			})
		},
	}
}

// migrationName joins args into a snake_case file suffix.
func migrationName(args []string) (string, error) {
	name := strings.ToLower(strings.Join(strings.Fields(strings.Join(args, " ")), "_"))
	name = strings.Map(func(r rune) rune {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, name)
	name = strings.Trim(name, "_")
	if name == "" {
		return "", fmt.Errorf("migration name must contain letters or digits")
	}
	return name, nil
}
