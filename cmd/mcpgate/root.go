package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/config"
	"github.com/rsclarke/mcpgate/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:     "mcpgate",
	Short:   "Gateway that runs, relays and audits MCP tool servers",
	Version: version,
	Long: `mcpgate runs one loopback listener per configured MCP server alias,
relays /v1/{alias} traffic to it, and records classifier verdicts for every
tool call it sees.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(".env"); err != nil {
			return err
		}
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}
