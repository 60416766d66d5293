package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/export"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <ingestion-id>",
	Short: "Write an ingestion's tables and data points to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		wb, err := export.Load(ctx, st, args[0], trustThreshold())
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = wb.Ingestion.ID + ".xlsx"
		}
		if err := wb.Save(out); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %d tables and %d points to %s\n", len(wb.Tables), len(wb.Points), out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default <ingestion-id>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}
