// Command hpkb is the knowledge base tool: it extracts sections from
// package inserts, records reviewed answers, loads rules and runs audits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-hpkb/internal/config"
	"github.com/drfirst/go-hpkb/internal/infrastructure/postgres"
	"github.com/drfirst/go-hpkb/internal/observability/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "hpkb",
		Short:        "Hospital pharmacy knowledge base tool",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "settings file (default configs/settings.yaml)")

	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(manualEntryCmd())
	rootCmd.AddCommand(selectCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// env is what every subcommand starts from
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func setup(cmd *cobra.Command, reqs ...config.Requirement) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(reqs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) connect(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := postgres.Connect(ctx, e.cfg.Database.URL, e.cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, config.NeedDatabase)
			if err != nil {
				return err
			}
			defer e.close()

			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.Migrate(cmd.Context(), pool, e.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", applied)
			return nil
		},
	}
}
