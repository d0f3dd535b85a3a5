package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"etl-sync/internal/dialect"
	"etl-sync/internal/engine"
	"etl-sync/internal/graph"
	"etl-sync/internal/incremental"
	"etl-sync/internal/pipeline"
	"etl-sync/internal/schema"
	"etl-sync/internal/watermark"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	syncTables []string
	fullSync   bool
	dryRun     bool
	batchSize  int64
	watch      bool
)

type syncResult struct {
	Table  string
	Mode   string
	Rows   int64
	Status string
	Err    string
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate source tables into the analytics target",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetSyncConfig()
		if batchSize > 0 {
			cfg.BatchSize = batchSize
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		srcD, err := dialect.GetDialect(SourceDriver)
		if err != nil {
			return err
		}
		tgtD, err := dialect.GetDialect(TargetDriver)
		if err != nil {
			return err
		}
		svc := schema.NewService(SourceDB, srcD, SourceSchema, Log)
		analyzer := incremental.NewAnalyzer(SourceDB, srcD, cfg.ConservativeTables, Log)
		store := watermark.NewStore(TargetDB, tgtD, TargetSchema)
		repl := engine.NewReplicator(SourceDB, TargetDB, srcD, tgtD, svc, TargetSchema, Log)

		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}

		tables := syncTables
		if len(tables) == 0 {
			tables = cfg.Tables
		}
		if len(tables) == 0 {
			var err error
			tables, err = svc.Tables(ctx)
			if err != nil {
				return err
			}
		}
		for _, t := range tables {
			if !dialect.ValidIdentifier(t) {
				return fmt.Errorf("refusing to sync table with unsafe name %q", t)
			}
		}

		deps, err := tableDependencies(ctx, svc, tables)
		if err != nil {
			return err
		}

		if dryRun {
			return printPlan(ctx, svc, analyzer, store, tables, deps)
		}

		g := graph.New()
		sched := pipeline.NewScheduler(cfg.PollInterval, Log)
		runner := pipeline.NewRunner(g, sched, Log)

		uiprogress.Start()
		defer uiprogress.Stop()

		var results []syncResult
		for _, table := range tables {
			table := table
			schedCfg := pipeline.ScheduleConfig{}
			if watch {
				schedCfg.Interval = cfg.SyncInterval
			}
			fn := func(ctx context.Context) error {
				res := syncOneTable(ctx, svc, analyzer, store, repl, table, cfg.BatchSize)
				results = append(results, res)
				if res.Err != "" {
					return fmt.Errorf("%s", res.Err)
				}
				return nil
			}
			if err := runner.RegisterTask(table, deps[table], fn, schedCfg, cfg.Retry); err != nil {
				return err
			}
		}

		runErr := runner.RunPipeline(ctx, "")
		printResults(results)

		if watch && runErr == nil {
			sched.Start()
			defer sched.Stop()
			Log.Info("watching for scheduled syncs", zap.Duration("interval", cfg.SyncInterval))
			<-ctx.Done()
		}
		return runErr
	},
}

// syncOneTable runs the full per-table sequence: fingerprint, strategy
// decision, replica, extraction, verification, watermark upsert. The
// watermark write happens for every outcome; on failure it keeps the prior
// timestamp so the next run retries the same window.
func syncOneTable(ctx context.Context, svc *schema.Service, analyzer *incremental.Analyzer, store *watermark.Store, repl *engine.Replicator, table string, batch int64) syncResult {
	result := syncResult{Table: table, Status: watermark.StatusFailed}

	storedHash, err := store.StoredHash(ctx, table)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	// The watermark is read before anything can fail so every failure
	// upsert carries it forward instead of nulling it out.
	last, err := store.LastExtracted(ctx, table)
	if err != nil {
		result.Err = err.Error()
		return result
	}

	schemaChanged := storedHash != "" && svc.HasChanged(ctx, table, storedHash)
	if schemaChanged {
		Log.Warn("schema changed since last run, forcing full re-replica", zap.String("table", table))
	}

	ts, err := svc.ExactSchema(ctx, table)
	if err != nil {
		result.Err = err.Error()
		recordFailure(ctx, store, table, last, storedHash)
		return result
	}

	dec, err := analyzer.Decide(ctx, table, ts)
	if err != nil {
		result.Err = err.Error()
		recordFailure(ctx, store, table, last, storedHash)
		return result
	}

	bar := uiprogress.AddBar(barTotal(ts.RowEstimate)).AppendCompleted()
	bar.PrependFunc(func(b *uiprogress.Bar) string { return fmt.Sprintf("%-24s", table) })

	runStart := time.Now()
	res := repl.ReplicateTable(ctx, engine.Request{
		Table:         table,
		Decision:      dec,
		LastExtracted: last,
		ForceFull:     fullSync || schemaChanged,
		BatchSize:     batch,
		DropIfExists:  fullSync || schemaChanged,
		OnChunk: func(rows int64) {
			bar.Set(min(bar.Current()+int(rows), bar.Total))
		},
	})
	result.Rows = res.Rows
	result.Mode = "full"
	if res.Incremental {
		result.Mode = string(dec.Strategy)
	}

	if res.Err != nil {
		result.Err = res.Err.Error()
		recordFailure(ctx, store, table, last, storedHash)
		return result
	}

	mark := sql.NullTime{Time: runStart, Valid: true}
	if err := store.UpdateStatus(ctx, table, mark, res.Rows, watermark.StatusSuccess, ts.Hash); err != nil {
		result.Err = err.Error()
		return result
	}
	result.Status = watermark.StatusSuccess
	return result
}

// recordFailure upserts a failed status without advancing the watermark or
// the stored schema hash. Best effort: the original failure matters more.
func recordFailure(ctx context.Context, store *watermark.Store, table string, last sql.NullTime, hash string) {
	if err := store.UpdateStatus(ctx, table, last, 0, watermark.StatusFailed, hash); err != nil {
		Log.Error("failed to record failure status", zap.String("table", table), zap.Error(err))
	}
}

// tableDependencies derives graph edges from source foreign keys, keeping
// only edges between the tables selected for this run.
func tableDependencies(ctx context.Context, svc *schema.Service, tables []string) (map[string][]string, error) {
	fks, err := svc.ForeignKeys(ctx)
	if err != nil {
		return nil, err
	}
	selected := make(map[string]bool, len(tables))
	for _, t := range tables {
		selected[t] = true
	}
	deps := make(map[string][]string)
	seen := make(map[string]bool)
	for _, fk := range fks {
		if fk.Table == fk.RefTable || !selected[fk.Table] || !selected[fk.RefTable] {
			continue
		}
		key := fk.Table + "->" + fk.RefTable
		if seen[key] {
			continue
		}
		seen[key] = true
		deps[fk.Table] = append(deps[fk.Table], fk.RefTable)
	}
	return deps, nil
}

func printPlan(ctx context.Context, svc *schema.Service, analyzer *incremental.Analyzer, store *watermark.Store, tables []string, deps map[string][]string) error {
	g := graph.New()
	for _, t := range tables {
		if err := g.AddTask(t, deps[t]); err != nil {
			return err
		}
	}
	order, err := g.ExecutionOrder()
	if err != nil {
		return err
	}

	fmt.Println("Plan (dry run):")
	for _, table := range order {
		ts, err := svc.ExactSchema(ctx, table)
		if err != nil {
			fmt.Printf("  %-24s ERROR: %v\n", table, err)
			continue
		}
		dec, err := analyzer.Decide(ctx, table, ts)
		if err != nil {
			fmt.Printf("  %-24s ERROR: %v\n", table, err)
			continue
		}
		last, _ := store.LastExtracted(ctx, table)
		mode := "full"
		if !fullSync && last.Valid && len(dec.Columns) > 0 {
			mode = fmt.Sprintf("incremental (%s on %v)", dec.Strategy, dec.Columns)
		}
		fmt.Printf("  %-24s ~%-10d rows  %s\n", table, ts.RowEstimate, mode)
	}
	return nil
}

func printResults(results []syncResult) {
	fmt.Println()
	fmt.Printf("%-24s %-16s %12s  %s\n", "TABLE", "MODE", "ROWS", "STATUS")
	for _, r := range results {
		status := r.Status
		if r.Err != "" {
			status = fmt.Sprintf("%s (%s)", r.Status, r.Err)
		}
		fmt.Printf("%-24s %-16s %12d  %s\n", r.Table, r.Mode, r.Rows, status)
	}
}

func barTotal(estimate int64) int {
	if estimate < 1 {
		return 1
	}
	return int(estimate)
}

func init() {
	RootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringSliceVar(&syncTables, "tables", nil, "tables to sync (default: all, or sync.tables from config)")
	syncCmd.Flags().BoolVar(&fullSync, "full-sync", false, "force a full copy of every table")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without copying")
	syncCmd.Flags().Int64Var(&batchSize, "batch-size", 0, "chunk size for full copies (default from config)")
	syncCmd.Flags().BoolVar(&watch, "watch", false, "keep running and re-sync on the configured interval")
}
