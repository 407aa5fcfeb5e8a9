package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db-recon/internal/dialect"
	"db-recon/internal/orchestrator"
	"db-recon/internal/pool"
)

// tracker records which tables a ReconcileFunc was invoked for.
type tracker struct {
	mu  sync.Mutex
	ran map[string]int
}

func newTracker() *tracker {
	return &tracker{ran: make(map[string]int)}
}

func (tr *tracker) mark(table string) {
	tr.mu.Lock()
	tr.ran[table]++
	tr.mu.Unlock()
}

func (tr *tracker) count(table string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.ran[table]
}

func checkInvariant(t *testing.T, r *orchestrator.JobResult) {
	t.Helper()
	assert.Equal(t, r.Total, r.Succeeded+r.Failed+r.TimedOut,
		"attempted units must add up")
}

func TestOneFailureDoesNotStopOthers(t *testing.T) {
	tr := newTracker()
	fn := func(ctx context.Context, table string) error {
		tr.mark(table)
		if table == "t2" {
			return errors.New("checksum query failed")
		}
		return nil
	}

	o := orchestrator.New(nil, nil)
	result := o.ReconcileTables(context.Background(), []string{"t1", "t2", "t3"}, fn, orchestrator.Options{
		MaxWorkers: 2,
	})

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Skipped)
	checkInvariant(t, result)

	for _, table := range []string{"t1", "t2", "t3"} {
		assert.Equal(t, 1, tr.count(table), table)
	}

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "t2", result.Errors[0].Table)
	assert.Equal(t, orchestrator.ErrKindInternal, result.Errors[0].Kind)
	assert.NotEmpty(t, result.ID)
}

func TestFailFastSkipsRemainingTables(t *testing.T) {
	tr := newTracker()
	fn := func(ctx context.Context, table string) error {
		tr.mark(table)
		return errors.New("boom")
	}

	o := orchestrator.New(nil, nil)
	result := o.ReconcileTables(context.Background(), []string{"a", "b", "c"}, fn, orchestrator.Options{
		MaxWorkers: 1,
		FailFast:   true,
	})

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Skipped)
	checkInvariant(t, result)

	assert.Equal(t, 1, tr.count("a"))
	assert.Equal(t, 0, tr.count("b"))
	assert.Equal(t, 0, tr.count("c"))
}

func TestPanicIsIsolated(t *testing.T) {
	fn := func(ctx context.Context, table string) error {
		if table == "bad" {
			panic("nil dereference in table handler")
		}
		return nil
	}

	o := orchestrator.New(nil, nil)
	result := o.ReconcileTables(context.Background(), []string{"ok", "bad"}, fn, orchestrator.Options{
		MaxWorkers: 2,
	})

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	checkInvariant(t, result)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, orchestrator.ErrKindPanic, result.Errors[0].Kind)
	assert.Contains(t, result.Errors[0].Message, "panic")
}

func TestPerTableTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	fn := func(ctx context.Context, table string) error {
		if table == "slow" {
			<-release
		}
		return nil
	}

	o := orchestrator.New(nil, nil)
	result := o.ReconcileTables(context.Background(), []string{"fast", "slow"}, fn, orchestrator.Options{
		MaxWorkers:      2,
		TimeoutPerTable: 30 * time.Millisecond,
	})

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.TimedOut)
	assert.Equal(t, 0, result.Failed)
	checkInvariant(t, result)

	var slow *orchestrator.TableResult
	for i := range result.Results {
		if result.Results[i].Table == "slow" {
			slow = &result.Results[i]
		}
	}
	require.NotNil(t, slow)
	assert.Equal(t, orchestrator.StatusTimedOut, slow.Status)
}

func TestTimeoutDoesNotTriggerFailFast(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	tr := newTracker()
	fn := func(ctx context.Context, table string) error {
		tr.mark(table)
		if table == "slow" {
			<-release
		}
		return nil
	}

	o := orchestrator.New(nil, nil)
	result := o.ReconcileTables(context.Background(), []string{"slow", "after"}, fn, orchestrator.Options{
		MaxWorkers:      1,
		TimeoutPerTable: 30 * time.Millisecond,
		FailFast:        true,
	})

	assert.Equal(t, 1, result.TimedOut)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Skipped, "a timeout is not a failure; later tables still run")
	assert.Equal(t, 1, tr.count("after"))
}

func TestWorkerCountBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0

	fn := func(ctx context.Context, table string) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	tables := []string{"a", "b", "c", "d", "e", "f"}
	o := orchestrator.New(nil, nil)
	result := o.ReconcileTables(context.Background(), tables, fn, orchestrator.Options{
		MaxWorkers: 2,
	})

	assert.Equal(t, len(tables), result.Succeeded)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "no more than MaxWorkers tables run at once")
	assert.GreaterOrEqual(t, peak, 2)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want orchestrator.ErrKind
	}{
		{"pool exhausted", fmt.Errorf("acquire: %w", pool.ErrPoolExhausted), orchestrator.ErrKindPoolExhausted},
		{"pool closed", pool.ErrPoolClosed, orchestrator.ErrKindPoolExhausted},
		{"validation", fmt.Errorf("%w: %q", dialect.ErrInvalidIdent, "a b"), orchestrator.ErrKindValidation},
		{"connectivity", fmt.Errorf("query: %w", syscall.ECONNREFUSED), orchestrator.ErrKindConnectivity},
		{"anything else", errors.New("short read"), orchestrator.ErrKindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, orchestrator.Classify(tc.err))
		})
	}
}

func TestEmptyTableList(t *testing.T) {
	o := orchestrator.New(nil, nil)
	result := o.ReconcileTables(context.Background(), nil, func(ctx context.Context, table string) error {
		t.Fatal("must not be called")
		return nil
	}, orchestrator.Options{})

	assert.Equal(t, 0, result.Total)
	assert.NotEmpty(t, result.ID)
}
