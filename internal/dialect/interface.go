package dialect

// Dialect abstracts database-specific SQL generation.
type Dialect interface {
	// Name returns the canonical driver name for this dialect.
	Name() string

	// Identifier Quoting
	QuoteIdent(ident string) string
	QuoteTable(table string) string // handles an optional single schema qualifier

	// Query Generation
	Placeholder(index int) string // Returns ?, $1, @p1, :1
	CountQuery(table string) string
	GetLimitRowQuery(query string, limit int) string

	// Literal renders a Go value as a SQL literal for generated repair scripts.
	Literal(v interface{}) string

	// Transaction bracketing for generated scripts. BeginTransaction may be
	// empty for engines with implicit transactions (Oracle).
	BeginTransaction() string
	CommitTransaction() string

	// Metadata Queries (Schema Introspection)
	// Both bind (schema, table) in dialect placeholder syntax.
	GetColumnsQuery() string
	GetPrimaryKeysQuery() string
}
