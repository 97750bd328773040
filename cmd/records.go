package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/litharvest/internal/model"
	"github.com/sells-group/litharvest/internal/store"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect collected records",
}

// -- records list --

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collected records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runID, _ := cmd.Flags().GetString("run")
		outcome, _ := cmd.Flags().GetString("outcome")
		enriched, _ := cmd.Flags().GetBool("enriched")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		recs, err := st.ListRecords(ctx, store.RecordFilter{
			RunID:        runID,
			Outcome:      model.Outcome(outcome),
			EnrichedOnly: enriched,
			Limit:        limit,
			Offset:       offset,
		})
		if err != nil {
			return eris.Wrap(err, "records list")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}

		formatRecordsList(os.Stdout, recs)
		return nil
	},
}

// -- records show --

var recordsShowCmd = &cobra.Command{
	Use:   "show <pmid>",
	Short: "Show one collected record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "records show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// -- records failed --

var recordsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List identifiers that did not collect cleanly",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runID, _ := cmd.Flags().GetString("run")
		failed, err := st.ListFailed(ctx, runID)
		if err != nil {
			return eris.Wrap(err, "records failed")
		}

		if len(failed) == 0 {
			fmt.Fprintln(os.Stderr, "No failed records.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PMID\tOUTCOME\tREASON")
		_, _ = fmt.Fprintln(w, "----\t-------\t------")
		for _, f := range failed {
			reason := f.Reason
			if len(reason) > 70 {
				reason = reason[:67] + "..."
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.Identifier, f.Outcome, reason)
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	recordsListCmd.Flags().String("run", "", "filter by run ID")
	recordsListCmd.Flags().String("outcome", "", "filter by outcome (ok, not_found, failed)")
	recordsListCmd.Flags().Bool("enriched", false, "only records with citation enrichment")
	recordsListCmd.Flags().Int("limit", 50, "max number of records to display")
	recordsListCmd.Flags().Int("offset", 0, "number of records to skip")

	recordsFailedCmd.Flags().String("run", "", "filter by run ID")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsFailedCmd)
	rootCmd.AddCommand(recordsCmd)
}

// formatRecordsList writes a tabular record listing to out.
func formatRecordsList(out io.Writer, recs []model.CollectedRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PMID\tYEAR\tOUTCOME\tCITED\tFT\tTITLE")
	_, _ = fmt.Fprintln(w, "----\t----\t-------\t-----\t--\t-----")

	for _, r := range recs {
		title := r.Title
		if len(title) > 60 {
			title = title[:57] + "..."
		}

		cited := "-"
		if r.Enriched() {
			cited = fmt.Sprintf("%d", r.Enrichment.CitedByCount)
		}
		ft := ""
		if r.HasFullText {
			ft = "y"
		}

		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Identifier, r.Year, r.Outcome, cited, ft, title)
	}
	_ = w.Flush()
}
