package cmd

import (
	"context"
	"fmt"

	"etl-sync/internal/dialect"
	"etl-sync/internal/schema"
	"etl-sync/internal/seed"

	"github.com/spf13/cobra"
)

var seedCount int

var seedCmd = &cobra.Command{
	Use:   "seed [tables...]",
	Short: "Fill scratch source tables with fake rows for rehearsing a sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		srcD, err := dialect.GetDialect(SourceDriver)
		if err != nil {
			return err
		}
		svc := schema.NewService(SourceDB, srcD, SourceSchema, Log)
		gen := seed.NewGenerator(SourceDB, srcD, Log)

		tables := args
		if len(tables) == 0 {
			var err error
			tables, err = svc.Tables(ctx)
			if err != nil {
				return err
			}
		}

		for _, table := range tables {
			ts, err := svc.ExactSchema(ctx, table)
			if err != nil {
				return err
			}
			inserted, err := gen.Fill(ctx, ts, seedCount)
			if err != nil {
				return err
			}
			fmt.Printf("%-24s +%d rows\n", table, inserted)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(seedCmd)
	seedCmd.Flags().IntVar(&seedCount, "count", 1000, "rows to insert per table")
}
