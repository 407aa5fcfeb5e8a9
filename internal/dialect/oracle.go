package dialect

import (
	"fmt"
	"strings"
	"time"
)

type OracleDialect struct{}

func (d *OracleDialect) Name() string {
	return "oracle"
}

func (d *OracleDialect) QuoteIdent(ident string) string {
	// Oracle folds unquoted identifiers to uppercase; quote as-is.
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d *OracleDialect) QuoteTable(table string) string {
	return quoteQualified(table, d.QuoteIdent)
}

func (d *OracleDialect) Placeholder(index int) string {
	return fmt.Sprintf(":%d", index+1)
}

func (d *OracleDialect) CountQuery(table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", d.QuoteTable(table))
}

func (d *OracleDialect) GetLimitRowQuery(query string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) WHERE ROWNUM <= %d", query, limit)
}

func (d *OracleDialect) Literal(v interface{}) string {
	if t, ok := v.(time.Time); ok {
		return fmt.Sprintf("TO_TIMESTAMP('%s', 'YYYY-MM-DD HH24:MI:SS.FF6')",
			t.UTC().Format("2006-01-02 15:04:05.000000"))
	}
	return defaultLiteral(v)
}

func (d *OracleDialect) BeginTransaction() string {
	// Oracle opens transactions implicitly.
	return ""
}

func (d *OracleDialect) CommitTransaction() string {
	return "COMMIT;"
}

func (d *OracleDialect) GetColumnsQuery() string {
	return `SELECT COLUMN_NAME, DATA_TYPE, NULLABLE FROM ALL_TAB_COLUMNS WHERE OWNER = :1 AND TABLE_NAME = :2 ORDER BY COLUMN_ID`
}

func (d *OracleDialect) GetPrimaryKeysQuery() string {
	return `SELECT acc.COLUMN_NAME FROM ALL_CONSTRAINTS ac JOIN ALL_CONS_COLUMNS acc ON ac.CONSTRAINT_NAME = acc.CONSTRAINT_NAME AND ac.OWNER = acc.OWNER WHERE ac.CONSTRAINT_TYPE = 'P' AND ac.OWNER = :1 AND ac.TABLE_NAME = :2 ORDER BY acc.POSITION`
}
