package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/retry"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the retry worker pool",
	Long:  "Leases due retry tasks and dispatches them to the correlation, match, and scoring engines. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		concurrency := workerConcurrency
		if concurrency == 0 {
			concurrency = cfg.Worker.Concurrency
		}

		zap.L().Info("worker pool starting",
			zap.Int("concurrency", concurrency),
		)
		return e.Coord.Run(ctx, retry.WorkerOptions{
			Concurrency:    concurrency,
			ReapInterval:   time.Duration(cfg.Retry.ReapIntervalSecs) * time.Second,
			DispatchPerSec: cfg.Retry.DispatchPerSec,
		}, taskHandler(e))
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "worker goroutines (default from config)")
	rootCmd.AddCommand(workerCmd)
}
