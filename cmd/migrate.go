package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/store/pg"
	"github.com/nextlevelbuilder/turnkit/internal/upgrade"
)

// resolveDSN reads the Postgres DSN, which only comes from TURNKIT_POSTGRES_DSN.
func resolveDSN() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.PostgresDSN == "" {
		return "", errors.New("TURNKIT_POSTGRES_DSN environment variable is not set")
	}
	return cfg.Storage.PostgresDSN, nil
}

// migrateRun adapts fn into a RunE that opens the migrator, runs fn and
// reports the resulting schema version.
func migrateRun(fn func(m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN()
		if err != nil {
			return err
		}
		m, err := pg.NewMigrator(dsn)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := fn(m, args); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return printVersion(cmd.OutOrStdout(), m)
	}
}

func printVersion(w io.Writer, m *migrate.Migrate) error {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Fprintln(w, "schema version: none")
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	fmt.Fprintf(w, "schema version: %d (required %d), dirty: %v\n", v, upgrade.RequiredSchemaVersion, dirty)
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres storage schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: migrateRun(func(m *migrate.Migrate, _ []string) error {
			slog.Info("rolling back", "steps", max(steps, 1))
			return m.Steps(-max(steps, 1))
		}),
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: migrateRun(func(m *migrate.Migrate, _ []string) error {
				return m.Up()
			}),
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			RunE:  migrateRun(func(*migrate.Migrate, []string) error { return nil }),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: migrateRun(func(m *migrate.Migrate, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return m.Force(v)
			}),
		},
		migrateStatusCmd(),
	)
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the schema matches this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := resolveDSN()
			if err != nil {
				return err
			}
			db, err := pg.OpenDB(dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := upgrade.CheckSchema(db)
			if err != nil {
				return err
			}
			if status.Compatible {
				fmt.Fprintf(cmd.OutOrStdout(), "schema v%d is up to date\n", status.CurrentVersion)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), upgrade.FormatError(status))
			return status.Err()
		},
	}
}
