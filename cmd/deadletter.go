package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/retry"
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and resolve dead-lettered retry tasks",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks awaiting human action",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		tasks, err := e.Coord.ListDead(ctx, 100)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	},
}

var (
	deadletterAction string
	deadletterActor  string
)

var deadletterResolveCmd = &cobra.Command{
	Use:   "resolve <task-id>",
	Short: "Retry or discard a dead-lettered task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		action := retry.DeadLetterAction(deadletterAction)
		if action != retry.ActionRetry && action != retry.ActionDiscard {
			return eris.Errorf("action must be retry or discard, got %q", deadletterAction)
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Coord.ResolveDeadLetter(ctx, args[0], action, deadletterActor); err != nil {
			return err
		}

		zap.L().Info("dead letter resolved",
			zap.String("task_id", args[0]),
			zap.String("action", deadletterAction),
		)
		return nil
	},
}

func init() {
	deadletterResolveCmd.Flags().StringVar(&deadletterAction, "action", "", "retry or discard (required)")
	deadletterResolveCmd.Flags().StringVar(&deadletterActor, "actor", "", "who is resolving (required)")
	_ = deadletterResolveCmd.MarkFlagRequired("action")
	_ = deadletterResolveCmd.MarkFlagRequired("actor")

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterResolveCmd)
	rootCmd.AddCommand(deadletterCmd)
}
