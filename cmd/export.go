package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/litharvest/internal/export"
	"github.com/sells-group/litharvest/internal/model"
	"github.com/sells-group/litharvest/internal/store"
)

var (
	exportRunID    string
	exportFormat   string
	exportOut      string
	exportEnriched bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export collected records to JSON or XLSX",
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

		recs, err := st.ListRecords(ctx, store.RecordFilter{
			RunID:        exportRunID,
			Outcome:      model.OutcomeOK,
			EnrichedOnly: exportEnriched,
		})
		if err != nil {
			return eris.Wrap(err, "export")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records to export.")
			return nil
		}

		switch exportFormat {
		case "json", "":
			if exportOut == "" || exportOut == "-" {
				return export.WriteJSON(os.Stdout, recs)
			}
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrap(err, "export: create output file")
			}
			defer f.Close() //nolint:errcheck
			if err := export.WriteJSON(f, recs); err != nil {
				return err
			}
		case "xlsx":
			if exportOut == "" {
				return eris.New("xlsx export requires --out")
			}
			if err := export.WriteXLSX(exportOut, recs); err != nil {
				return err
			}
		default:
			return eris.Errorf("unknown format %q (want json or xlsx)", exportFormat)
		}

		fmt.Fprintf(os.Stderr, "Exported %d records to %s\n", len(recs), exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "export records from one run only")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format: json or xlsx")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (json defaults to stdout)")
	exportCmd.Flags().BoolVar(&exportEnriched, "enriched", false, "only records with citation enrichment")
	rootCmd.AddCommand(exportCmd)
}
