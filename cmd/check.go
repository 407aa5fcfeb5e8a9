package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"db-recon/internal/checksum"
	"db-recon/internal/metrics"
	"db-recon/internal/orchestrator"
	"db-recon/internal/retry"
	"db-recon/internal/schema"
)

var (
	checkTables    []string
	checkMode      string
	chunkSize      int
	workers        int
	tableTimeout   time.Duration
	failFast       bool
	trackingColumn string
	metricsListen  string
)

// checkOutcome is what one table's comparison produced. Drift is a result,
// not an error: a mismatch still counts as a successful run.
type checkOutcome struct {
	Count         checksum.CountResult
	Source        checksum.Result
	Target        checksum.Result
	ChecksumMatch bool
	Note          string
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare row counts and checksums between source and target",
	RunE: func(cmd *cobra.Command, args []string) error {
		srcEp, tgtEp, err := GetEndpoints()
		if err != nil {
			return err
		}

		tables := resolveTables(checkTables)
		if len(tables) == 0 {
			return fmt.Errorf("no tables configured (use --tables or settings.tables)")
		}

		sink := buildSink()

		src, err := openSide(srcEp, workers, sink)
		if err != nil {
			return err
		}
		defer src.Close()
		tgt, err := openSide(tgtEp, workers, sink)
		if err != nil {
			return err
		}
		defer tgt.Close()

		fmt.Printf("Comparing %s (%s) against %s (%s)\n",
			srcEp.Name, srcEp.Driver, tgtEp.Name, tgtEp.Driver)

		store, err := checksum.NewStore(viper.GetString("settings.state_dir"))
		if err != nil {
			return err
		}
		srcStore, err := store.Sub("source")
		if err != nil {
			return err
		}
		tgtStore, err := store.Sub("target")
		if err != nil {
			return err
		}

		srcEngine := checksum.NewEngine(src.Dialect)
		tgtEngine := checksum.NewEngine(tgt.Dialect)

		var (
			outcomeMu sync.Mutex
			outcomes  = make(map[string]*checkOutcome)
		)

		uiprogress.Start()
		bar := uiprogress.AddBar(len(tables)).AppendCompleted().PrependElapsed()
		bar.PrependFunc(func(b *uiprogress.Bar) string {
			return "Checking:   "
		})

		fn := func(ctx context.Context, table string) error {
			defer bar.Incr()
			out, err := checkTable(ctx, src, tgt, srcEngine, tgtEngine, srcStore, tgtStore, table)
			if err != nil {
				return err
			}
			if !out.Count.Match {
				sink.RecordDiscrepancy(table, "row_count")
			}
			if !out.ChecksumMatch {
				sink.RecordDiscrepancy(table, "checksum")
			}
			outcomeMu.Lock()
			outcomes[table] = out
			outcomeMu.Unlock()
			return nil
		}

		orch := orchestrator.New(Log, sink)
		start := time.Now()
		result := orch.ReconcileTables(cmd.Context(), tables, fn, orchestrator.Options{
			MaxWorkers:      workers,
			TimeoutPerTable: tableTimeout,
			FailFast:        failFast,
		})
		uiprogress.Stop()

		printCheckReport(tables, outcomes, result, time.Since(start))
		return nil
	},
}

// checkTable runs the full comparison of one table: row counts first, then
// the checksum in the configured mode. Connectivity failures are retried
// with backoff; everything else fails the table immediately.
func checkTable(ctx context.Context, src, tgt *side, srcEngine, tgtEngine *checksum.Engine, srcStore, tgtStore *checksum.Store, table string) (*checkOutcome, error) {
	var out *checkOutcome

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
		pkColumn := tbl.PKColumns[0]
		if len(tbl.PKColumns) > 1 {
			Log.Warn("composite primary key; checksum orders by first key column only",
				zap.String("table", table), zap.Strings("pk", tbl.PKColumns))
		}

		spec := checksum.TableSpec{Table: tbl.Qualified(), PKColumn: pkColumn}
		for _, c := range tbl.Columns {
			spec.Columns = append(spec.Columns, c.Name)
		}
		tgtSpec := spec
		if tgt.Endpoint.Schema != "" {
			tgtSpec.Table = tgt.Endpoint.Schema + "." + table
		} else {
			tgtSpec.Table = table
		}

		srcCount, err := srcEngine.FetchRowCount(ctx, srcLease.Conn(), spec.Table)
		if err != nil {
			return err
		}
		tgtCount, err := tgtEngine.FetchRowCount(ctx, tgtLease.Conn(), tgtSpec.Table)
		if err != nil {
			return err
		}

		o := &checkOutcome{Count: checksum.CompareRowCounts(table, srcCount, tgtCount)}

		switch checkMode {
		case "chunked":
			o.Source, err = srcEngine.CalculateChunked(ctx, srcLease.Conn(), spec, chunkSize)
			if err != nil {
				return err
			}
			o.Target, err = tgtEngine.CalculateChunked(ctx, tgtLease.Conn(), tgtSpec, chunkSize)
			if err != nil {
				return err
			}
		case "incremental":
			o.Source, _, err = srcEngine.CalculateIncremental(ctx, srcLease.Conn(), spec, trackingColumn, chunkSize, srcStore)
			if err != nil {
				return err
			}
			o.Target, _, err = tgtEngine.CalculateIncremental(ctx, tgtLease.Conn(), tgtSpec, trackingColumn, chunkSize, tgtStore)
			if err != nil {
				return err
			}
		default: // full
			o.Source, err = srcEngine.Calculate(ctx, srcLease.Conn(), spec)
			if err != nil {
				return err
			}
			o.Target, err = tgtEngine.Calculate(ctx, tgtLease.Conn(), tgtSpec)
			if err != nil {
				return err
			}
		}

		match, cmpErr := checksum.CompareDigests(o.Source, o.Target)
		if cmpErr != nil {
			// One side re-baselined (full) while the other ran incremental;
			// the digests are not comparable this run.
			o.ChecksumMatch = false
			o.Note = cmpErr.Error()
		} else {
			o.ChecksumMatch = match
		}

		out = o
		return nil
	})
	return out, err
}

func resolveTables(flagTables []string) []string {
	// 1. Flag
	if len(flagTables) > 0 {
		return flagTables
	}
	// 2. Config
	return viper.GetStringSlice("settings.tables")
}

func buildSink() metrics.Sink {
	if metricsListen == "" {
		return metrics.Nop{}
	}
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsListen, mux); err != nil {
			Log.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	return sink
}

func printCheckReport(tables []string, outcomes map[string]*checkOutcome, result *orchestrator.JobResult, elapsed time.Duration) {
	fmt.Println("\nSummary Report:")

	sorted := append([]string{}, tables...)
	sort.Strings(sorted)

	drifted := 0
	for i, table := range sorted {
		out, ok := outcomes[table]
		if !ok {
			fmt.Printf("[!] [%02d/%02d] %-24s : no result (failed, timed out, or skipped)\n",
				i+1, len(sorted), table)
			continue
		}
		icon := "OK"
		detail := fmt.Sprintf("rows %d/%d, checksum match", out.Count.Source, out.Count.Target)
		if !out.Count.Match || !out.ChecksumMatch {
			icon = "DRIFT"
			drifted++
			detail = fmt.Sprintf("rows %d/%d (diff %+d), checksum match=%v",
				out.Count.Source, out.Count.Target, out.Count.Difference, out.ChecksumMatch)
			if out.Note != "" {
				detail += " (" + out.Note + ")"
			}
		}
		fmt.Printf("[%s] [%02d/%02d] %-24s : %s\n", icon, i+1, len(sorted), table, detail)
	}

	fmt.Println("--------------------------------------------------")
	fmt.Printf("Job %s: total=%d succeeded=%d failed=%d timed_out=%d skipped=%d drifted=%d\n",
		result.ID, result.Total, result.Succeeded, result.Failed, result.TimedOut, result.Skipped, drifted)
	for _, e := range result.Errors {
		fmt.Printf("  - %s [%s]: %s\n", e.Table, e.Kind, e.Message)
	}
	fmt.Printf("Elapsed: %s\n", elapsed)
}

func init() {
	RootCmd.AddCommand(checkCmd)

	// CLI Flags
	checkCmd.Flags().StringSliceVarP(&checkTables, "tables", "t", []string{}, "Tables to check (comma-separated, overrides config)")
	checkCmd.Flags().StringVar(&checkMode, "mode", "full", "Checksum mode: full, chunked, incremental")
	checkCmd.Flags().IntVar(&chunkSize, "chunk-size", 10000, "Rows per page in chunked mode")
	checkCmd.Flags().IntVar(&workers, "workers", 4, "Parallel table workers")
	checkCmd.Flags().DurationVar(&tableTimeout, "timeout", 0, "Per-table timeout (0 = none)")
	checkCmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop launching new tables after the first failure")
	checkCmd.Flags().StringVar(&trackingColumn, "tracking-column", "updated_at", "Change-tracking column for incremental mode")
	checkCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address while running")

	viper.SetDefault("settings.retries", 2)
}
