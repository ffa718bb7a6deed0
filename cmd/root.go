package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fiskala/regtruth/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "regtruth",
	Short: "Regulatory truth layer ingestion governor",
	Long:  "Admits, routes and budgets LLM extraction over Croatian tax and invoicing regulation sources, tracking per-source health to spend tokens where they pay off.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
