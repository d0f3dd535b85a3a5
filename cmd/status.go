package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"etl-sync/internal/dialect"
	"etl-sync/internal/watermark"

	"github.com/spf13/cobra"
)

var statusStage string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table watermark and run status",
	RunE: func(cmd *cobra.Command, args []string) error {
		stage := watermark.StageExtract
		switch statusStage {
		case "", "extract":
		case "load":
			stage = watermark.StageLoad
		case "transform":
			stage = watermark.StageTransform
		default:
			return fmt.Errorf("unknown stage %q (extract, load or transform)", statusStage)
		}

		d, err := dialect.GetDialect(TargetDriver)
		if err != nil {
			return err
		}
		store := watermark.NewStore(TargetDB, d, TargetSchema)
		records, err := store.List(context.Background(), stage)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tWATERMARK\tROWS\tSTATUS\tUPDATED")
		for _, r := range records {
			mark := "-"
			if r.LastTimestamp.Valid {
				mark = r.LastTimestamp.Time.Format("2006-01-02 15:04:05")
			}
			updated := "-"
			if !r.UpdatedAt.IsZero() {
				updated = r.UpdatedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.TableName, mark, r.Rows, r.Status, updated)
		}
		return w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusStage, "stage", "extract", "status stage to show (extract, load, transform)")
}
