// Package rowdiff classifies every row of a replicated table pair as
// matching, missing, extra, or modified, and can emit an advisory repair
// script for the target side.
package rowdiff

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"db-recon/internal/checksum"
	"db-recon/internal/dialect"
)

// Kind classifies one discrepancy.
type Kind string

const (
	KindMissing  Kind = "missing"  // present in source, absent in target
	KindExtra    Kind = "extra"    // present in target, absent in source
	KindModified Kind = "modified" // present in both, column values differ
)

// Key is an ordered primary-key tuple. Its canonical string form doubles as
// a map key and as the traceability comment in repair scripts.
type Key struct {
	Columns []string
	Values  []interface{}
}

func (k Key) String() string {
	parts := make([]string, len(k.Values))
	for i, v := range k.Values {
		parts[i] = checksum.CanonicalValue(v)
	}
	return strings.Join(parts, "||")
}

// Discrepancy is one detected difference. Immutable once produced.
type Discrepancy struct {
	Table           string
	Key             Key
	Kind            Kind
	SourceRow       map[string]interface{}
	TargetRow       map[string]interface{}
	ModifiedColumns []string
}

// Querier is the query surface the reconciler needs from each side.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Spec names the table pair and its key/compare columns. CompareColumns may
// be empty, in which case only row existence is reconciled (no Modified
// classification is possible without data columns).
type Spec struct {
	SourceTable    string
	TargetTable    string
	PKColumns      []string
	CompareColumns []string
}

func (s Spec) validate() error {
	if err := dialect.ValidateTable(s.SourceTable); err != nil {
		return err
	}
	if err := dialect.ValidateTable(s.TargetTable); err != nil {
		return err
	}
	if len(s.PKColumns) == 0 {
		return fmt.Errorf("%w: no primary key columns", dialect.ErrInvalidIdent)
	}
	for _, c := range append(append([]string{}, s.PKColumns...), s.CompareColumns...) {
		if err := dialect.ValidateIdent(c); err != nil {
			return err
		}
	}
	return nil
}

// Options tune the reconciliation pass.
type Options struct {
	// ChunkSize bounds how many keys one batched row fetch covers.
	ChunkSize int
	// Tolerance is the absolute difference under which two numeric values
	// count as equal.
	Tolerance float64
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 500
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-9
	}
}

// Reconciler compares a source and a target side, each through its own
// dialect (the two ends may run different engines).
type Reconciler struct {
	srcDialect dialect.Dialect
	tgtDialect dialect.Dialect
}

func New(srcDialect, tgtDialect dialect.Dialect) *Reconciler {
	return &Reconciler{srcDialect: srcDialect, tgtDialect: tgtDialect}
}

// ReconcileTable classifies every primary key of source ∪ target into
// exactly one of {matching (omitted), Missing, Extra, Modified}. Row data
// is fetched in key batches, never one round-trip per key.
func (r *Reconciler) ReconcileTable(ctx context.Context, src, tgt Querier, spec Spec, opts Options) ([]Discrepancy, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()

	srcKeys, err := r.fetchKeys(ctx, src, r.srcDialect, spec.SourceTable, spec.PKColumns)
	if err != nil {
		return nil, fmt.Errorf("fetch source keys: %w", err)
	}
	tgtKeys, err := r.fetchKeys(ctx, tgt, r.tgtDialect, spec.TargetTable, spec.PKColumns)
	if err != nil {
		return nil, fmt.Errorf("fetch target keys: %w", err)
	}

	missing, extra, common := classifyKeys(srcKeys, tgtKeys)

	allCols := spec.allColumns()
	var discrepancies []Discrepancy

	if len(missing) > 0 {
		rows, err := r.fetchRowsByKeys(ctx, src, r.srcDialect, spec.SourceTable, spec.PKColumns, allCols, missing, opts.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("fetch missing rows: %w", err)
		}
		for _, k := range missing {
			discrepancies = append(discrepancies, Discrepancy{
				Table:     spec.SourceTable,
				Key:       k,
				Kind:      KindMissing,
				SourceRow: rows[k.String()],
			})
		}
	}

	if len(extra) > 0 {
		rows, err := r.fetchRowsByKeys(ctx, tgt, r.tgtDialect, spec.TargetTable, spec.PKColumns, allCols, extra, opts.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("fetch extra rows: %w", err)
		}
		for _, k := range extra {
			discrepancies = append(discrepancies, Discrepancy{
				Table:     spec.SourceTable,
				Key:       k,
				Kind:      KindExtra,
				TargetRow: rows[k.String()],
			})
		}
	}

	if len(common) > 0 && len(spec.CompareColumns) > 0 {
		srcRows, err := r.fetchRowsByKeys(ctx, src, r.srcDialect, spec.SourceTable, spec.PKColumns, allCols, common, opts.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("fetch source rows: %w", err)
		}
		tgtRows, err := r.fetchRowsByKeys(ctx, tgt, r.tgtDialect, spec.TargetTable, spec.PKColumns, allCols, common, opts.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("fetch target rows: %w", err)
		}
		for _, k := range common {
			ks := k.String()
			srcRow, tgtRow := srcRows[ks], tgtRows[ks]
			if srcRow == nil || tgtRow == nil {
				// Row vanished between key scan and data fetch; the next run
				// will classify it.
				continue
			}
			changed := compareRow(srcRow, tgtRow, spec.PKColumns, spec.CompareColumns, opts.Tolerance)
			if len(changed) > 0 {
				discrepancies = append(discrepancies, Discrepancy{
					Table:           spec.SourceTable,
					Key:             k,
					Kind:            KindModified,
					SourceRow:       srcRow,
					TargetRow:       tgtRow,
					ModifiedColumns: changed,
				})
			}
		}
	}

	return discrepancies, nil
}

func (s Spec) allColumns() []string {
	cols := append([]string{}, s.PKColumns...)
	for _, c := range s.CompareColumns {
		dup := false
		for _, p := range s.PKColumns {
			if p == c {
				dup = true
				break
			}
		}
		if !dup {
			cols = append(cols, c)
		}
	}
	return cols
}

// fetchKeys pulls the full ordered primary-key set from one side.
func (r *Reconciler) fetchKeys(ctx context.Context, q Querier, d dialect.Dialect, table string, pkCols []string) ([]Key, error) {
	quoted := make([]string, len(pkCols))
	for i, c := range pkCols {
		quoted[i] = d.QuoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC",
		strings.Join(quoted, ", "), d.QuoteTable(table), strings.Join(quoted, ", "))

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		values := make([]interface{}, len(pkCols))
		ptrs := make([]interface{}, len(pkCols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		keys = append(keys, Key{Columns: pkCols, Values: values})
	}
	return keys, rows.Err()
}

// classifyKeys partitions the two key sets. Every key of source ∪ target
// lands in exactly one of missing, extra, or common.
func classifyKeys(srcKeys, tgtKeys []Key) (missing, extra, common []Key) {
	tgtSet := make(map[string]struct{}, len(tgtKeys))
	for _, k := range tgtKeys {
		tgtSet[k.String()] = struct{}{}
	}
	srcSet := make(map[string]struct{}, len(srcKeys))
	for _, k := range srcKeys {
		srcSet[k.String()] = struct{}{}
	}

	for _, k := range srcKeys {
		if _, ok := tgtSet[k.String()]; ok {
			common = append(common, k)
		} else {
			missing = append(missing, k)
		}
	}
	for _, k := range tgtKeys {
		if _, ok := srcSet[k.String()]; !ok {
			extra = append(extra, k)
		}
	}
	return missing, extra, common
}

// fetchRowsByKeys loads row snapshots for the given keys in batches of
// chunkSize, mapped by canonical key string.
func (r *Reconciler) fetchRowsByKeys(ctx context.Context, q Querier, d dialect.Dialect, table string, pkCols, cols []string, keys []Key, chunkSize int) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(keys))

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = d.QuoteIdent(c)
	}

	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		where, args := keyPredicate(d, pkCols, batch)
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(quotedCols, ", "), d.QuoteTable(table), where)

		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		if err := scanRowsInto(rows, cols, pkCols, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// keyPredicate builds a WHERE clause matching the batch of keys: an IN list
// for single-column keys, OR-joined tuple equality for composite ones.
func keyPredicate(d dialect.Dialect, pkCols []string, batch []Key) (string, []interface{}) {
	var args []interface{}

	if len(pkCols) == 1 {
		placeholders := make([]string, len(batch))
		for i, k := range batch {
			placeholders[i] = d.Placeholder(i)
			args = append(args, k.Values[0])
		}
		return fmt.Sprintf("%s IN (%s)", d.QuoteIdent(pkCols[0]), strings.Join(placeholders, ", ")), args
	}

	groups := make([]string, len(batch))
	idx := 0
	for i, k := range batch {
		terms := make([]string, len(pkCols))
		for j, c := range pkCols {
			terms[j] = fmt.Sprintf("%s = %s", d.QuoteIdent(c), d.Placeholder(idx))
			args = append(args, k.Values[j])
			idx++
		}
		groups[i] = "(" + strings.Join(terms, " AND ") + ")"
	}
	return strings.Join(groups, " OR "), args
}

func scanRowsInto(rows *sql.Rows, cols, pkCols []string, out map[string]map[string]interface{}) error {
	defer rows.Close()

	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		pkValues := make([]interface{}, len(pkCols))
		for i, c := range pkCols {
			pkValues[i] = row[c]
		}
		out[Key{Columns: pkCols, Values: pkValues}.String()] = row
	}
	return rows.Err()
}

// compareRow returns the names of compare columns whose values differ,
// sorted. Primary-key columns are skipped.
func compareRow(src, tgt map[string]interface{}, pkCols, compareCols []string, tolerance float64) []string {
	pkSet := make(map[string]struct{}, len(pkCols))
	for _, c := range pkCols {
		pkSet[c] = struct{}{}
	}

	var changed []string
	for _, c := range compareCols {
		if _, isPK := pkSet[c]; isPK {
			continue
		}
		if !valuesEqual(src[c], tgt[c], tolerance) {
			changed = append(changed, c)
		}
	}
	sort.Strings(changed)
	return changed
}

// valuesEqual compares two column values: NULL equals NULL, strings are
// compared with trailing whitespace trimmed, numerics within tolerance.
func valuesEqual(a, b interface{}, tolerance float64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	// Two textual values compare as text; numeric parsing only kicks in when
	// at least one side arrived as a real numeric type (drivers disagree on
	// whether numbers come back as int64, float64, or []byte).
	as, aIsStr := toString(a)
	bs, bIsStr := toString(b)
	if aIsStr && bIsStr {
		return strings.TrimRight(as, " \t\r\n") == strings.TrimRight(bs, " \t\r\n")
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return math.Abs(af-bf) <= tolerance
		}
	}

	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}

	return checksum.CanonicalValue(a) == checksum.CanonicalValue(b)
}

func toString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return "", false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
