package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"umagate.org/internal/migrate"
	"umagate.org/internal/store/pg"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

func withManager(fn func(ctx context.Context, m *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		dsn := v.GetString(DSNKey)
		if dsn == "" {
			return errors.New("missing DSN: provide --dsn, database.dsn or UMA_DATABASE_DSN")
		}
		store, err := pg.Open(dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		table := v.GetString(MigrationsTableKey)
		return fn(ctx, migrate.NewManager(store.DB(), pg.Migrations(), migrate.WithMigrationsTable(table)))
	}
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Up(ctx)
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("migrate.applied")
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			log.Info().Msg("migrate.up_to_date")
		}
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		name, err := m.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			log.Info().Msg("migrate.nothing_to_roll_back")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Str("migration", name).Msg("migrate.rolled_back")
		return nil
	}),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations in order",
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		history, err := m.Status(ctx)
		if err != nil {
			return err
		}
		for _, name := range history {
			fmt.Println(name)
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)

	migrateCmd.PersistentFlags().String("dsn", "", "PostgreSQL DSN")
	_ = v.BindPFlag(DSNKey, migrateCmd.PersistentFlags().Lookup("dsn"))
	migrateCmd.PersistentFlags().String("table", "", "Migrations bookkeeping table (default schema_migrations)")
	_ = v.BindPFlag(MigrationsTableKey, migrateCmd.PersistentFlags().Lookup("table"))
}
