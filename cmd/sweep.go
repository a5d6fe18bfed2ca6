package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepRetentionDays int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recalculate stale vendor scores and purge old terminal tasks",
	Long:  "Recalculates every vendor whose confidence profile has gone stale, so scores age out even with no new events, then removes succeeded and dead tasks past the retention window.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		staleAfter := time.Duration(cfg.Scorer.SweepStaleHours) * time.Hour
		recalculated, err := e.Scorer.Sweep(ctx, staleAfter)
		if err != nil {
			return err
		}

		purged, err := e.Coord.PurgeTerminal(ctx, time.Duration(sweepRetentionDays)*24*time.Hour)
		if err != nil {
			return err
		}

		zap.L().Info("sweep complete",
			zap.Int("scores_recalculated", recalculated),
			zap.Int("tasks_purged", purged),
		)
		return nil
	},
}

func init() {
	sweepCmd.Flags().IntVar(&sweepRetentionDays, "retention-days", 30, "terminal task retention before purge")
	rootCmd.AddCommand(sweepCmd)
}
