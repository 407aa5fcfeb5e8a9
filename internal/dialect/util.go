package dialect

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidIdent marks identifier validation failures so callers can
// classify them apart from connectivity or data errors.
var ErrInvalidIdent = errors.New("invalid identifier")

// GeneratePlaceholders is a helper function to create a slice of placeholder strings.
// It takes the number of placeholders needed and a function that returns the placeholder for a given index.
// It returns a comma-separated string of the generated placeholders.
func GeneratePlaceholders(count int, placeholderFunc func(int) string) string {
	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = placeholderFunc(i)
	}
	return strings.Join(placeholders, ", ")
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdent checks a bare identifier (column, unqualified table).
// Only alphanumerics and underscores are allowed; anything else is rejected
// before it can reach generated SQL.
func ValidateIdent(ident string) error {
	if !identPattern.MatchString(ident) {
		return fmt.Errorf("%w: %q", ErrInvalidIdent, ident)
	}
	return nil
}

// ValidateTable checks a table name with at most one schema qualifier
// (e.g. "public.users" or "users").
func ValidateTable(table string) error {
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return fmt.Errorf("%w: %q has more than one schema qualifier", ErrInvalidIdent, table)
	}
	for _, p := range parts {
		if err := ValidateIdent(p); err != nil {
			return err
		}
	}
	return nil
}

// quoteQualified splits an optional schema qualifier and quotes each part.
func quoteQualified(table string, quote func(string) string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = quote(p)
	}
	return strings.Join(parts, ".")
}

// defaultLiteral renders common Go value types as portable SQL literals.
// Engine-specific temporal syntax (Oracle) overrides the time.Time case.
func defaultLiteral(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(x), "'", "''") + "'"
	case time.Time:
		return "'" + x.UTC().Format("2006-01-02 15:04:05.000000") + "'"
	case float32, float64:
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
