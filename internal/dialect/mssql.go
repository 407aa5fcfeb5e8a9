package dialect

import (
	"fmt"
	"strings"
)

type MSSQLDialect struct{}

// The go-mssqldb driver prefers @p1, @p2 named parameters over ?.

func (d *MSSQLDialect) Name() string {
	return "sqlserver"
}

func (d *MSSQLDialect) QuoteIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func (d *MSSQLDialect) QuoteTable(table string) string {
	return quoteQualified(table, d.QuoteIdent)
}

func (d *MSSQLDialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index+1)
}

func (d *MSSQLDialect) CountQuery(table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", d.QuoteTable(table))
}

func (d *MSSQLDialect) GetLimitRowQuery(query string, limit int) string {
	// Simple T-SQL TOP injection. Generated queries always start with SELECT.
	trimmed := strings.TrimSpace(query)
	if strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return strings.Replace(query, "SELECT", fmt.Sprintf("SELECT TOP %d", limit), 1)
	}
	return query
}

func (d *MSSQLDialect) Literal(v interface{}) string {
	return defaultLiteral(v)
}

func (d *MSSQLDialect) BeginTransaction() string {
	return "BEGIN TRANSACTION;"
}

func (d *MSSQLDialect) CommitTransaction() string {
	return "COMMIT;"
}

func (d *MSSQLDialect) GetColumnsQuery() string {
	return `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION`
}

func (d *MSSQLDialect) GetPrimaryKeysQuery() string {
	return `SELECT kcu.COLUMN_NAME FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND kcu.TABLE_SCHEMA = @p1 AND kcu.TABLE_NAME = @p2 ORDER BY kcu.ORDINAL_POSITION`
}
