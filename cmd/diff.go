package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"db-recon/internal/orchestrator"
	"db-recon/internal/retry"
	"db-recon/internal/rowdiff"
	"db-recon/internal/schema"
)

var (
	diffTables    []string
	diffChunkSize int
	diffTolerance float64
	diffOutput    string
	diffWorkers   int
	diffTimeout   time.Duration
	diffFailFast  bool
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Row-level reconciliation with optional repair script output",
	RunE: func(cmd *cobra.Command, args []string) error {
		srcEp, tgtEp, err := GetEndpoints()
		if err != nil {
			return err
		}

		tables := resolveTables(diffTables)
		if len(tables) == 0 {
			return fmt.Errorf("no tables configured (use --tables or settings.tables)")
		}

		sink := buildSink()

		src, err := openSide(srcEp, diffWorkers, sink)
		if err != nil {
			return err
		}
		defer src.Close()
		tgt, err := openSide(tgtEp, diffWorkers, sink)
		if err != nil {
			return err
		}
		defer tgt.Close()

		if diffOutput != "" {
			if err := os.MkdirAll(diffOutput, 0o755); err != nil {
				return fmt.Errorf("failed to create output dir: %w", err)
			}
		}

		reconciler := rowdiff.New(src.Dialect, tgt.Dialect)

		type diffOutcome struct {
			Missing, Extra, Modified int
			ScriptPath               string
		}
		var (
			outcomeMu sync.Mutex
			outcomes  = make(map[string]*diffOutcome)
		)

		uiprogress.Start()
		bar := uiprogress.AddBar(len(tables)).AppendCompleted().PrependElapsed()
		bar.PrependFunc(func(b *uiprogress.Bar) string {
			return "Diffing:    "
		})

		fn := func(ctx context.Context, table string) error {
			defer bar.Incr()

			var discrepancies []rowdiff.Discrepancy
			var spec rowdiff.Spec

			err := retry.Do(ctx, viper.GetUint64("settings.retries"), func() error {
				acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout())
				defer cancel()

				srcLease, err := src.Pool.Acquire(acquireCtx)
				if err != nil {
					return err
				}
				defer srcLease.Release()
				tgtLease, err := tgt.Pool.Acquire(acquireCtx)
				if err != nil {
					return err
				}
				defer tgtLease.Release()

				tbl, err := schema.Analyze(ctx, srcLease.Conn(), src.Dialect, src.Endpoint.Schema, table)
				if err != nil {
					return err
				}

				spec = rowdiff.Spec{
					SourceTable:    tbl.Qualified(),
					TargetTable:    table,
					PKColumns:      tbl.PKColumns,
					CompareColumns: tbl.CompareColumns(),
				}
				if tgt.Endpoint.Schema != "" {
					spec.TargetTable = tgt.Endpoint.Schema + "." + table
				}

				discrepancies, err = reconciler.ReconcileTable(ctx, srcLease.Conn(), tgtLease.Conn(), spec, rowdiff.Options{
					ChunkSize: diffChunkSize,
					Tolerance: diffTolerance,
				})
				return err
			})
			if err != nil {
				return err
			}

			out := &diffOutcome{}
			for _, d := range discrepancies {
				sink.RecordDiscrepancy(table, string(d.Kind))
				switch d.Kind {
				case rowdiff.KindMissing:
					out.Missing++
				case rowdiff.KindExtra:
					out.Extra++
				case rowdiff.KindModified:
					out.Modified++
				}
			}

			if diffOutput != "" && len(discrepancies) > 0 {
				script := rowdiff.GenerateRepairScript(discrepancies, spec, tgt.Dialect)
				path := filepath.Join(diffOutput, table+"_repair.sql")
				if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
					return fmt.Errorf("failed to write repair script: %w", err)
				}
				out.ScriptPath = path
				Log.Info("repair script written",
					zap.String("table", table), zap.String("path", path))
			}

			outcomeMu.Lock()
			outcomes[table] = out
			outcomeMu.Unlock()
			return nil
		}

		orch := orchestrator.New(Log, sink)
		result := orch.ReconcileTables(cmd.Context(), tables, fn, orchestrator.Options{
			MaxWorkers:      diffWorkers,
			TimeoutPerTable: diffTimeout,
			FailFast:        diffFailFast,
		})
		uiprogress.Stop()

		fmt.Println("\nRow-Level Report:")
		sorted := append([]string{}, tables...)
		sort.Strings(sorted)
		for i, table := range sorted {
			out, ok := outcomes[table]
			if !ok {
				fmt.Printf("[!] [%02d/%02d] %-24s : no result (failed, timed out, or skipped)\n",
					i+1, len(sorted), table)
				continue
			}
			icon := "OK"
			if out.Missing+out.Extra+out.Modified > 0 {
				icon = "DRIFT"
			}
			fmt.Printf("[%s] [%02d/%02d] %-24s : missing=%d extra=%d modified=%d",
				icon, i+1, len(sorted), table, out.Missing, out.Extra, out.Modified)
			if out.ScriptPath != "" {
				fmt.Printf(" -> %s", out.ScriptPath)
			}
			fmt.Println()
		}
		fmt.Println("--------------------------------------------------")
		fmt.Printf("Job %s: total=%d succeeded=%d failed=%d timed_out=%d skipped=%d\n",
			result.ID, result.Total, result.Succeeded, result.Failed, result.TimedOut, result.Skipped)
		for _, e := range result.Errors {
			fmt.Printf("  - %s [%s]: %s\n", e.Table, e.Kind, e.Message)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(diffCmd)

	diffCmd.Flags().StringSliceVarP(&diffTables, "tables", "t", []string{}, "Tables to diff (comma-separated, overrides config)")
	diffCmd.Flags().IntVar(&diffChunkSize, "chunk-size", 500, "Keys per batched row fetch")
	diffCmd.Flags().Float64Var(&diffTolerance, "tolerance", 1e-9, "Numeric equality tolerance")
	diffCmd.Flags().StringVarP(&diffOutput, "output", "o", "", "Directory for generated repair scripts")
	diffCmd.Flags().IntVar(&diffWorkers, "workers", 4, "Parallel table workers")
	diffCmd.Flags().DurationVar(&diffTimeout, "timeout", 0, "Per-table timeout (0 = none)")
	diffCmd.Flags().BoolVar(&diffFailFast, "fail-fast", false, "Stop launching new tables after the first failure")
}
