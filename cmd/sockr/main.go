// Package main is the entrypoint for the sockr server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/morezero/sockr/internal/config"
	"github.com/morezero/sockr/internal/server"
	"github.com/morezero/sockr/pkg/db"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const defaultTestDatabase = "sockr_test"

func main() {
	server.Version = version
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sockr: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := serveCmd()
	root := &cobra.Command{
		Use:   "sockr",
		Short: "Websocket RPC and pub/sub server",
		Long: `sockr serves RPC calls and channel broadcasts over websockets.

Without a command it starts the server. Configuration comes from the
environment: HTTP_ADDR, WS_PATH, AUTH_MODE, JWT_SECRET, BRIDGE_ENABLED,
COMMS_URL, CACHE_BACKEND, DATABASE_URL, MIGRATION_PATH.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.AddCommand(
		serve,
		migrateCmd(),
		ensureDBCmd(),
		clearCmd(),
		versionCmd(),
	)
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the response cache schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("migrate: require subcommand (up, down, status)")
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrations(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, migrations []db.Migration) error {
					n, err := db.RunMigrations(ctx, pool, migrations)
					if err != nil {
						return fmt.Errorf("run migrations: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Applied %d of %d migrations.\n", n, len(migrations))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrations(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, migrations []db.Migration) error {
					m, err := db.MigrationDown(ctx, pool, migrations)
					if errors.Is(err, db.ErrNothingToRollBack) {
						fmt.Fprintln(cmd.OutOrStdout(), "Nothing to roll back.")
						return nil
					}
					if err != nil {
						return fmt.Errorf("roll back: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s.\n", m.ID())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which migrations are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrations(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, migrations []db.Migration) error {
					states, err := db.MigrationStatus(ctx, pool, migrations)
					if err != nil {
						return fmt.Errorf("migration status: %w", err)
					}
					printMigrationStatus(cmd.OutOrStdout(), states)
					return nil
				})
			},
		},
	)
	return cmd
}

func printMigrationStatus(w io.Writer, states []db.MigrationState) {
	if len(states) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return
	}
	for _, s := range states {
		status := "pending"
		if s.Applied {
			status = "applied"
		}
		fmt.Fprintf(w, "%-8s %s\n", status, s.ID())
	}
}

func ensureDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-db [name]",
		Short: "Create a database on the DATABASE_URL host if missing",
		Long: `Create a database (default: sockr_test) on the same host and with the same
user as DATABASE_URL, then run tests with that URL.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := defaultTestDatabase
			if len(args) > 0 && args[0] != "" {
				name = args[0]
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateForDB(); err != nil {
				return err
			}
			targetURL, err := db.WithDatabaseName(cfg.DatabaseURL, name)
			if err != nil {
				return err
			}
			if err := db.EnsureDatabase(cmd.Context(), targetURL); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %q is ready.\n", name)
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Truncate the response cache; schema is preserved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				if err := db.ClearCache(ctx, pool); err != nil {
					return fmt.Errorf("clear cache: %w", err)
				}
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}
			fmt.Fprintf(out, "sockr %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}

// withPool loads config, opens a pool and runs fn with it.
func withPool(ctx context.Context, fn func(context.Context, *config.Config, *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL,
		db.WithMaxConns(2),
		db.WithApplicationName(cfg.ServiceName+"-cli"),
	)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

// withMigrations is withPool plus the migrations found at MIGRATION_PATH.
func withMigrations(ctx context.Context, fn func(context.Context, *pgxpool.Pool, []db.Migration) error) error {
	return withPool(ctx, func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		return fn(ctx, pool, migrations)
	})
}
