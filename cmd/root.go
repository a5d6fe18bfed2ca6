package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "po-recon",
	Short: "Purchase-order reconciliation core",
	Long:  "Correlates inbound tracking, email, receipt, and invoice signals to purchase orders, runs the three-way match, and maintains rolling vendor confidence scores.",
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
