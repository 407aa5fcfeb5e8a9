// Package checksum computes deterministic table fingerprints for drift
// detection. Rows are always visited in primary-key order; an unordered scan
// would make the digest scan-order-dependent and therefore useless.
package checksum

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"db-recon/internal/dialect"
)

// Mode records how a digest was produced. A Full digest covers the whole
// table; an Incremental digest covers only rows changed since the prior run
// and must never be compared against a Full one.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Querier is the query surface the engine needs. *sql.DB, *sql.Conn and a
// pool lease's connection all satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// TableSpec names what to fingerprint. Columns lists every column folded
// into the digest; PKColumn must be present in Columns (it is prepended when
// missing so both sides stay canonical).
type TableSpec struct {
	Table    string
	PKColumn string
	Columns  []string
}

func (s TableSpec) validate() error {
	if err := dialect.ValidateTable(s.Table); err != nil {
		return err
	}
	if err := dialect.ValidateIdent(s.PKColumn); err != nil {
		return err
	}
	for _, c := range s.Columns {
		if err := dialect.ValidateIdent(c); err != nil {
			return err
		}
	}
	return nil
}

// normalColumns returns the column list with the PK guaranteed first.
func (s TableSpec) normalColumns() []string {
	for _, c := range s.Columns {
		if c == s.PKColumn {
			return s.Columns
		}
	}
	return append([]string{s.PKColumn}, s.Columns...)
}

// Result is one computed digest.
type Result struct {
	Table    string
	Digest   string
	RowCount int64
	Mode     Mode
}

// CountResult is the outcome of a row-count comparison. Difference is
// signed: target minus source.
type CountResult struct {
	Table      string
	Source     int64
	Target     int64
	Difference int64
	Match      bool
}

// CompareRowCounts is a pure function over two already-fetched counts.
func CompareRowCounts(table string, source, target int64) CountResult {
	diff := target - source
	return CountResult{
		Table:      table,
		Source:     source,
		Target:     target,
		Difference: diff,
		Match:      diff == 0,
	}
}

// CompareDigests reports whether two results carry the same fingerprint.
// Comparing a Full digest against an Incremental one is a category error
// and is refused.
func CompareDigests(source, target Result) (bool, error) {
	if source.Mode != target.Mode {
		return false, fmt.Errorf("cannot compare %s digest against %s digest", source.Mode, target.Mode)
	}
	return source.Digest == target.Digest, nil
}

// Engine computes checksums through a Dialect.
type Engine struct {
	d dialect.Dialect
}

func NewEngine(d dialect.Dialect) *Engine {
	return &Engine{d: d}
}

// FetchRowCount runs a COUNT(*) on the table.
func (e *Engine) FetchRowCount(ctx context.Context, q Querier, table string) (int64, error) {
	if err := dialect.ValidateTable(table); err != nil {
		return 0, err
	}
	rows, err := q.QueryContext(ctx, e.d.CountQuery(table))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()

	var count int64
	if !rows.Next() {
		return 0, fmt.Errorf("count %s: empty result", table)
	}
	if err := rows.Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, rows.Err()
}

// Calculate streams the whole table in PK order into a SHA-256 digest.
func (e *Engine) Calculate(ctx context.Context, q Querier, spec TableSpec) (Result, error) {
	if err := spec.validate(); err != nil {
		return Result{}, err
	}
	cols := spec.normalColumns()
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC",
		joinQuoted(e.d, cols), e.d.QuoteTable(spec.Table), e.d.QuoteIdent(spec.PKColumn))

	h := sha256.New()
	n, err := e.hashQuery(ctx, q, query, nil, len(cols), -1, h, nil)
	if err != nil {
		return Result{}, err
	}
	return Result{Table: spec.Table, Digest: hex.EncodeToString(h.Sum(nil)), RowCount: n, Mode: ModeFull}, nil
}

// CalculateChunked produces the same digest as Calculate but bounds memory
// by paging with PK-ordered keyset pagination. Offset pagination would drift
// under concurrent writes; keyset pagination stays correct.
func (e *Engine) CalculateChunked(ctx context.Context, q Querier, spec TableSpec, chunkSize int) (Result, error) {
	if err := spec.validate(); err != nil {
		return Result{}, err
	}
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	cols := spec.normalColumns()
	pkIdx := 0 // normalColumns pins the PK first only when absent
	for i, c := range cols {
		if c == spec.PKColumn {
			pkIdx = i
			break
		}
	}

	h := sha256.New()
	var total int64
	var lastPK interface{}
	first := true

	for {
		var query string
		var args []interface{}
		base := fmt.Sprintf("SELECT %s FROM %s",
			joinQuoted(e.d, cols), e.d.QuoteTable(spec.Table))
		if first {
			query = fmt.Sprintf("%s ORDER BY %s ASC", base, e.d.QuoteIdent(spec.PKColumn))
		} else {
			query = fmt.Sprintf("%s WHERE %s > %s ORDER BY %s ASC",
				base, e.d.QuoteIdent(spec.PKColumn), e.d.Placeholder(0), e.d.QuoteIdent(spec.PKColumn))
			args = append(args, lastPK)
		}
		query = e.d.GetLimitRowQuery(query, chunkSize)

		n, err := e.hashQuery(ctx, q, query, args, len(cols), pkIdx, h, &lastPK)
		if err != nil {
			return Result{}, err
		}
		total += n
		first = false
		if n < int64(chunkSize) {
			break
		}
	}

	return Result{Table: spec.Table, Digest: hex.EncodeToString(h.Sum(nil)), RowCount: total, Mode: ModeFull}, nil
}

// CalculateIncremental folds only rows whose tracking column moved past the
// prior run's timestamp into a fresh digest. With no prior state it falls
// back to a chunked full checksum. The delta digest is a cheap change
// indicator, not an equality proof: rows modified without touching the
// tracking column are invisible to it.
func (e *Engine) CalculateIncremental(ctx context.Context, q Querier, spec TableSpec, trackingColumn string, chunkSize int, store *Store) (Result, int64, error) {
	if err := spec.validate(); err != nil {
		return Result{}, 0, err
	}
	if err := dialect.ValidateIdent(trackingColumn); err != nil {
		return Result{}, 0, err
	}

	prior, ok := store.Get(spec.Table)
	runStart := time.Now().UTC()

	if !ok {
		res, err := e.CalculateChunked(ctx, q, spec, chunkSize)
		if err != nil {
			return Result{}, 0, err
		}
		if err := store.Save(State{
			Table:     spec.Table,
			Digest:    res.Digest,
			RowCount:  res.RowCount,
			Timestamp: runStart,
			Mode:      ModeFull,
		}); err != nil {
			return Result{}, 0, err
		}
		return res, res.RowCount, nil
	}

	cols := spec.normalColumns()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > %s ORDER BY %s ASC",
		joinQuoted(e.d, cols), e.d.QuoteTable(spec.Table),
		e.d.QuoteIdent(trackingColumn), e.d.Placeholder(0), e.d.QuoteIdent(spec.PKColumn))

	h := sha256.New()
	n, err := e.hashQuery(ctx, q, query, []interface{}{prior.Timestamp}, len(cols), -1, h, nil)
	if err != nil {
		return Result{}, 0, err
	}

	res := Result{Table: spec.Table, Digest: hex.EncodeToString(h.Sum(nil)), RowCount: n, Mode: ModeIncremental}
	if err := store.Save(State{
		Table:     spec.Table,
		Digest:    res.Digest,
		RowCount:  n,
		Timestamp: runStart,
		Mode:      ModeIncremental,
	}); err != nil {
		return Result{}, 0, err
	}
	return res, n, nil
}

// hashQuery feeds every row of query into h and returns the row count.
// When pkIdx >= 0 the value at that column of the last row is stored in
// lastPK for keyset pagination.
func (e *Engine) hashQuery(ctx context.Context, q Querier, query string, args []interface{}, ncols, pkIdx int, h hash.Hash, lastPK *interface{}) (int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("checksum query: %w", err)
	}
	defer rows.Close()

	values := make([]interface{}, ncols)
	ptrs := make([]interface{}, ncols)
	for i := range values {
		ptrs[i] = &values[i]
	}

	var count int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return 0, fmt.Errorf("checksum scan: %w", err)
		}
		for i, v := range values {
			if i > 0 {
				h.Write(unitSep)
			}
			h.Write([]byte(CanonicalValue(v)))
		}
		h.Write(recordSep)
		if pkIdx >= 0 && lastPK != nil {
			*lastPK = values[pkIdx]
		}
		count++
	}
	return count, rows.Err()
}

var (
	unitSep   = []byte{0x1f}
	recordSep = []byte{0x1e}
)

// CanonicalValue renders a scanned value in a form that is stable across
// drivers and distinguishes SQL NULL from the literal string "NULL".
func CanonicalValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "\x00" // never produced by a real value
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func joinQuoted(d dialect.Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
