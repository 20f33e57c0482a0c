package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/audit"
)

var migrateFlags struct {
	dsn   string
	steps int
}

var migrateCmd = &cobra.Command{
	Use:       "migrate <up|down>",
	Short:     "Apply or roll back the postgres audit schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringVar(&migrateFlags.dsn, "postgres-dsn", "", "postgres DSN (env: MCPGATE_POSTGRES_DSN)")
	migrateCmd.Flags().IntVar(&migrateFlags.steps, "steps", getEnvInt("MCPGATE_MIGRATE_STEPS", 0), "number of migrations to apply; 0 applies all")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dsn := migrateFlags.dsn
	if dsn == "" {
		dsn = getEnv("MCPGATE_POSTGRES_DSN", "")
	}
	if dsn == "" {
		return fmt.Errorf("postgres DSN required (use --postgres-dsn flag or MCPGATE_POSTGRES_DSN env var)")
	}
	if migrateFlags.steps < 0 {
		return fmt.Errorf("--steps must not be negative")
	}

	direction := args[0]
	if err := audit.MigratePostgres(dsn, direction, migrateFlags.steps); err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	logger.Info("migration finished", zap.String("direction", direction), zap.Int("steps", migrateFlags.steps))
	return nil
}
