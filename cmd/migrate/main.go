package main

import (
	"fmt"
	"os"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/logger"
	"github.com/Rrens/social-inbox/internal/repository/postgres"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the inbox database schema",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Load .env file if it exists
			_ = godotenv.Load()
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&source, "source", "file://migrations", "migration source URL")

	cmd.AddCommand(
		newUpCmd(&source),
		newDownCmd(&source),
		newVersionCmd(&source),
	)
	return cmd
}

func newUpCmd(source *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(*source, func(m *postgres.Migrator) error {
				return m.Up()
			})
		},
	}
}

func newDownCmd(source *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(*source, func(m *postgres.Migrator) error {
				return m.Down(steps)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func newVersionCmd(source *string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(*source, func(m *postgres.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
				return nil
			})
		},
	}
}

func withMigrator(source string, fn func(*postgres.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	closer, err := logger.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := postgres.NewMigrator(source, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}
