package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/store"
	"github.com/sells-group/evidence-cli/internal/table"
)

var ingestionsCmd = &cobra.Command{
	Use:   "ingestions",
	Short: "Inspect stored ingestions",
}

// -- ingestions list --

var ingestionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		owner, _ := cmd.Flags().GetString("owner")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		list, err := st.ListIngestions(ctx, store.IngestionFilter{
			OwnerID: owner,
			Status:  model.IngestionStatus(status),
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			return eris.Wrap(err, "ingestions list")
		}

		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No ingestions found.")
			return nil
		}

		formatIngestions(os.Stdout, list)
		return nil
	},
}

// -- ingestions show --

// ingestionDetail is everything stored for one ingestion.
type ingestionDetail struct {
	Ingestion   *model.Ingestion       `json:"ingestion"`
	Tables      []model.ExtractedTable `json:"tables"`
	Trusted     []string               `json:"trusted_table_ids"`
	Flagged     []string               `json:"flagged_table_ids"`
	DataPoints  []model.DataPoint      `json:"data_points"`
	ComputeRuns []model.ComputeRun     `json:"compute_runs"`
}

var ingestionsShowCmd = &cobra.Command{
	Use:   "show <ingestion-id>",
	Short: "Show an ingestion with its tables, points and compute runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		d := ingestionDetail{}
		if d.Ingestion, err = st.GetIngestion(ctx, args[0]); err != nil {
			return eris.Wrap(err, "ingestions show")
		}
		if d.Tables, err = st.GetExtractedTables(ctx, args[0]); err != nil {
			return eris.Wrap(err, "ingestions show")
		}
		if d.DataPoints, err = st.GetDataPoints(ctx, args[0]); err != nil {
			return eris.Wrap(err, "ingestions show")
		}
		if d.ComputeRuns, err = st.GetComputeRuns(ctx, args[0]); err != nil {
			return eris.Wrap(err, "ingestions show")
		}
		d.Trusted, d.Flagged = splitTrust(d.Tables, trustThreshold())

		return printJSON(os.Stdout, d)
	},
}

func init() {
	ingestionsListCmd.Flags().String("owner", "", "filter by owner id")
	ingestionsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	ingestionsListCmd.Flags().Int("limit", 50, "max ingestions to show")
	ingestionsListCmd.Flags().Int("offset", 0, "skip this many ingestions")

	ingestionsCmd.AddCommand(ingestionsListCmd)
	ingestionsCmd.AddCommand(ingestionsShowCmd)
	rootCmd.AddCommand(ingestionsCmd)
}

func splitTrust(tables []model.ExtractedTable, threshold float64) (trusted, flagged []string) {
	t, f := table.Partition(tables, threshold)
	trusted, flagged = make([]string, 0, len(t)), make([]string, 0, len(f))
	for _, x := range t {
		trusted = append(trusted, x.ID)
	}
	for _, x := range f {
		flagged = append(flagged, x.ID)
	}
	return trusted, flagged
}

// formatIngestions writes a tabular list of ingestions to out.
func formatIngestions(out io.Writer, list []model.Ingestion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILE\tOWNER\tSTATUS\tVERSION\tPAGES\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t------\t-------\t-----\t-------")

	for _, ing := range list {
		name := ing.FileName
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			truncateID(ing.ID),
			name,
			ing.OwnerID,
			ing.Status,
			ing.Version,
			ing.PageCount,
			ing.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
