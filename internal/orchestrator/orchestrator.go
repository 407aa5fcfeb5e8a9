// Package orchestrator fans a list of tables out across a bounded worker
// pool and aggregates per-table outcomes into one job result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"db-recon/internal/dialect"
	"db-recon/internal/metrics"
	"db-recon/internal/pool"
	"db-recon/internal/retry"
)

// Status is the per-table state machine: Pending → Running → terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// ErrKind classifies a table-level failure for operators.
type ErrKind string

const (
	ErrKindConnectivity  ErrKind = "connectivity"
	ErrKindValidation    ErrKind = "validation"
	ErrKindPoolExhausted ErrKind = "pool_exhausted"
	ErrKindPanic         ErrKind = "panic"
	ErrKindInternal      ErrKind = "internal"
)

// ErrorEntry is one captured table-level error.
type ErrorEntry struct {
	Table   string
	Message string
	Kind    ErrKind
}

// TableResult is the terminal outcome for one table.
type TableResult struct {
	Table    string
	Status   Status
	Duration time.Duration
	Err      *ErrorEntry
}

// JobResult aggregates one orchestrator invocation. Constructed fresh per
// run and never mutated after being returned. Total counts attempted units,
// so Total == Succeeded + Failed + TimedOut always holds; tables skipped by
// fail-fast are counted separately.
type JobResult struct {
	ID        string
	Total     int
	Succeeded int
	Failed    int
	TimedOut  int
	Skipped   int
	Results   []TableResult
	Errors    []ErrorEntry
	Duration  time.Duration
}

// ReconcileFunc runs the reconciliation of one table end to end, acquiring
// and releasing its own connections. It must not share connections or
// cursors with other tables.
type ReconcileFunc func(ctx context.Context, table string) error

// Options bound the run.
type Options struct {
	MaxWorkers int
	// TimeoutPerTable is how long the orchestrator waits for one table.
	// The wait is cooperative: on expiry the table is marked TimedOut and
	// the worker moves on, but the underlying database round-trip is not
	// interrupted and keeps its connection until it returns.
	TimeoutPerTable time.Duration
	// FailFast stops launching new tables after the first Failed outcome
	// (timeouts do not trigger it). In-flight tables finish and are
	// recorded.
	FailFast bool
}

// Orchestrator runs table reconciliations concurrently.
type Orchestrator struct {
	log  *zap.Logger
	sink metrics.Sink
}

func New(log *zap.Logger, sink metrics.Sink) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Orchestrator{log: log, sink: sink}
}

// ReconcileTables runs fn for every table on a worker pool of size
// MaxWorkers. Errors and panics are isolated per table; nothing propagates
// out of this call.
func (o *Orchestrator) ReconcileTables(ctx context.Context, tables []string, fn ReconcileFunc, opts Options) *JobResult {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	workers := opts.MaxWorkers
	if workers > len(tables) {
		workers = len(tables)
	}

	result := &JobResult{ID: uuid.NewString()}
	start := time.Now()

	var (
		mu       sync.Mutex
		failFast bool // set once a table Fails when opts.FailFast
	)
	jobs := make(chan string)
	var wg sync.WaitGroup

	record := func(tr TableResult) {
		mu.Lock()
		defer mu.Unlock()
		result.Results = append(result.Results, tr)
		result.Total++
		switch tr.Status {
		case StatusSucceeded:
			result.Succeeded++
		case StatusFailed:
			result.Failed++
			if opts.FailFast {
				failFast = true
			}
		case StatusTimedOut:
			result.TimedOut++
		}
		if tr.Err != nil {
			result.Errors = append(result.Errors, *tr.Err)
		}
	}

	skip := func() {
		mu.Lock()
		result.Skipped++
		mu.Unlock()
	}

	stopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failFast
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for table := range jobs {
				if stopped() {
					skip()
					continue
				}
				tr := o.runOne(ctx, table, fn, opts.TimeoutPerTable)
				record(tr)
				o.sink.RecordRun(table, tr.Status == StatusSucceeded, tr.Duration)
			}
		}()
	}

	for _, t := range tables {
		jobs <- t
	}
	close(jobs)
	wg.Wait()

	result.Duration = time.Since(start)
	o.log.Info("job finished",
		zap.String("job_id", result.ID),
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("timed_out", result.TimedOut),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))
	return result
}

// runOne executes fn for one table, waiting at most timeout for its result.
// The unit runs in its own goroutine so a timeout abandons the wait without
// interrupting the query; the connection is still released when fn returns.
func (o *Orchestrator) runOne(ctx context.Context, table string, fn ReconcileFunc, timeout time.Duration) TableResult {
	start := time.Now()
	o.log.Debug("table running", zap.String("table", table))

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- panicError{fmt.Sprintf("panic: %v", r)}
			}
		}()
		done <- fn(ctx, table)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		duration := time.Since(start)
		if err == nil {
			return TableResult{Table: table, Status: StatusSucceeded, Duration: duration}
		}
		return TableResult{
			Table:    table,
			Status:   StatusFailed,
			Duration: duration,
			Err:      &ErrorEntry{Table: table, Message: err.Error(), Kind: Classify(err)},
		}
	case <-timer:
		o.log.Warn("table timed out; query may still be running", zap.String("table", table))
		return TableResult{Table: table, Status: StatusTimedOut, Duration: time.Since(start)}
	}
}

type panicError struct{ msg string }

func (e panicError) Error() string { return e.msg }

// Classify maps an error to its operator-facing kind.
func Classify(err error) ErrKind {
	var pe panicError
	switch {
	case errors.As(err, &pe):
		return ErrKindPanic
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrPoolClosed):
		return ErrKindPoolExhausted
	case errors.Is(err, dialect.ErrInvalidIdent):
		return ErrKindValidation
	case retry.IsConnectivity(err):
		return ErrKindConnectivity
	default:
		return ErrKindInternal
	}
}
