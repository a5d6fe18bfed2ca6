package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/ingest"
)

var importXLSXPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import purchase orders from an XLSX book",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		pos, err := ingest.ReadPOBook(importXLSXPath)
		if err != nil {
			return err
		}

		for i := range pos {
			if err := e.Store.UpsertPurchaseOrder(ctx, &pos[i]); err != nil {
				return eris.Wrapf(err, "import po %s", pos[i].Number)
			}
		}

		zap.L().Info("import complete",
			zap.Int("purchase_orders", len(pos)),
			zap.String("xlsx", importXLSXPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importXLSXPath, "xlsx", "", "path to XLSX file (required)")
	_ = importCmd.MarkFlagRequired("xlsx")
	rootCmd.AddCommand(importCmd)
}
