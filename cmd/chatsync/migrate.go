package main

import (
	"database/sql"
	"fmt"
	"os"

	"chatsync/internal/config"
	"chatsync/internal/migrations"
	"chatsync/internal/security"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

type migrateOptions struct {
	dbPath string
	steps  int
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	mopts := &migrateOptions{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the local cache schema",
	}
	cmd.PersistentFlags().StringVar(&mopts.dbPath, "db", "", "Path to the database file (defaults to database.path from the config)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(opts, mopts, true, func(db *sql.DB) error {
				if err := migrations.Up(db); err != nil {
					return err
				}
				return printVersion(cmd, db)
			})
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(opts, mopts, false, func(db *sql.DB) error {
				if err := migrations.Down(db, mopts.steps); err != nil {
					return err
				}
				return printVersion(cmd, db)
			})
		},
	}
	down.Flags().IntVar(&mopts.steps, "steps", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(opts, mopts, false, func(db *sql.DB) error {
				return printVersion(cmd, db)
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

// migrationDBPath resolves --db first and the configured database path otherwise.
func migrationDBPath(opts *rootOptions, mopts *migrateOptions) (string, error) {
	path := mopts.dbPath
	if path == "" {
		cfg, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Database.Path
	}
	if err := security.ValidateDataPath(path); err != nil {
		return "", fmt.Errorf("invalid database path: %w", err)
	}
	return path, nil
}

func withMigrationDB(opts *rootOptions, mopts *migrateOptions, create bool, fn func(*sql.DB) error) error {
	path, err := migrationDBPath(opts, mopts)
	if err != nil {
		return err
	}
	if !create {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", path)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return fn(db)
}

func printVersion(cmd *cobra.Command, db *sql.DB) error {
	status, err := migrations.Version(db)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if status.Dirty {
		fmt.Fprintf(out, "schema version %d (dirty)\n", status.Version)
		return nil
	}
	fmt.Fprintf(out, "schema version %d\n", status.Version)
	return nil
}
