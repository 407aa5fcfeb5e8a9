package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"db-recon/internal/dialect"
)

// Querier is the query surface the analyzer needs.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Analyze resolves the column list and primary key of one table from the
// engine catalog. schemaName and tableName are validated before they reach
// any query.
func Analyze(ctx context.Context, q Querier, d dialect.Dialect, schemaName, tableName string) (*Table, error) {
	if schemaName != "" {
		if err := dialect.ValidateIdent(schemaName); err != nil {
			return nil, err
		}
	}
	if err := dialect.ValidateIdent(tableName); err != nil {
		return nil, err
	}

	t := &Table{Schema: schemaName, Name: tableName}

	// --- Step 1: Columns ---
	rows, err := q.QueryContext(ctx, d.GetColumnsQuery(), schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cName, dType, isNull sql.NullString
		if err := rows.Scan(&cName, &dType, &isNull); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		if !cName.Valid {
			continue
		}
		nullable := strings.EqualFold(isNull.String, "YES") || strings.EqualFold(isNull.String, "Y")
		t.Columns = append(t.Columns, &Column{
			Name:       cName.String,
			DataType:   strings.ToLower(dType.String),
			IsNullable: nullable,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found in schema %q", tableName, schemaName)
	}

	// --- Step 2: Primary Key (ordered by key position) ---
	pkRows, err := q.QueryContext(ctx, d.GetPrimaryKeysQuery(), schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key: %w", err)
	}
	defer pkRows.Close()

	byName := make(map[string]*Column, len(t.Columns))
	for _, c := range t.Columns {
		byName[strings.ToUpper(c.Name)] = c
	}

	for pkRows.Next() {
		var cName sql.NullString
		if err := pkRows.Scan(&cName); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		if !cName.Valid {
			continue
		}
		// Normalized lookup keeps Oracle's uppercase catalog names matching.
		if c, ok := byName[strings.ToUpper(cName.String)]; ok {
			c.IsPK = true
			t.PKColumns = append(t.PKColumns, c.Name)
		}
	}
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating primary key: %w", err)
	}

	if len(t.PKColumns) == 0 {
		return nil, fmt.Errorf("table %s has no primary key; row-level reconciliation needs one", tableName)
	}
	return t, nil
}
