package rowdiff

import (
	"fmt"
	"strings"
	"time"

	"db-recon/internal/dialect"
)

// GenerateRepairScript emits one transactional script that would bring the
// target table in line with the source: DELETE statements for every Extra
// row, then INSERT statements for every Missing row, then UPDATE statements
// touching only the recorded modified columns. The script is advisory output
// for a human or a separate apply step; this package never executes it.
func GenerateRepairScript(discrepancies []Discrepancy, spec Spec, d dialect.Dialect) string {
	var b strings.Builder

	fmt.Fprintf(&b, "-- repair script for %s, generated %s\n",
		spec.TargetTable, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "-- %d discrepancies\n", len(discrepancies))
	if begin := d.BeginTransaction(); begin != "" {
		b.WriteString(begin + "\n")
	}

	table := d.QuoteTable(spec.TargetTable)
	insertCols := spec.allColumns()

	for _, disc := range discrepancies {
		if disc.Kind != KindExtra {
			continue
		}
		fmt.Fprintf(&b, "\n-- extra row, pk: %s\n", disc.Key)
		fmt.Fprintf(&b, "DELETE FROM %s WHERE %s;\n", table, keyEquality(d, disc.Key))
	}

	for _, disc := range discrepancies {
		if disc.Kind != KindMissing {
			continue
		}
		cols := make([]string, 0, len(insertCols))
		vals := make([]string, 0, len(insertCols))
		for _, c := range insertCols {
			v, ok := disc.SourceRow[c]
			if !ok {
				continue
			}
			cols = append(cols, d.QuoteIdent(c))
			vals = append(vals, d.Literal(v))
		}
		fmt.Fprintf(&b, "\n-- missing row, pk: %s\n", disc.Key)
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ", "), strings.Join(vals, ", "))
	}

	for _, disc := range discrepancies {
		if disc.Kind != KindModified {
			continue
		}
		assignments := make([]string, 0, len(disc.ModifiedColumns))
		for _, c := range disc.ModifiedColumns {
			assignments = append(assignments,
				fmt.Sprintf("%s = %s", d.QuoteIdent(c), d.Literal(disc.SourceRow[c])))
		}
		fmt.Fprintf(&b, "\n-- modified row, pk: %s, columns: %s\n",
			disc.Key, strings.Join(disc.ModifiedColumns, ", "))
		fmt.Fprintf(&b, "UPDATE %s SET %s WHERE %s;\n",
			table, strings.Join(assignments, ", "), keyEquality(d, disc.Key))
	}

	b.WriteString("\n" + d.CommitTransaction() + "\n")
	return b.String()
}

func keyEquality(d dialect.Dialect, k Key) string {
	terms := make([]string, len(k.Columns))
	for i, c := range k.Columns {
		terms[i] = fmt.Sprintf("%s = %s", d.QuoteIdent(c), d.Literal(k.Values[i]))
	}
	return strings.Join(terms, " AND ")
}
