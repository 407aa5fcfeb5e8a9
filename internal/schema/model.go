package schema

// Table describes one reconciliation target discovered from the catalog.
type Table struct {
	Schema    string
	Name      string
	Columns   []*Column
	PKColumns []string
}

type Column struct {
	Name       string
	DataType   string
	IsNullable bool
	IsPK       bool
}

// CompareColumns returns the non-key columns, the default compare set for
// row-level reconciliation.
func (t *Table) CompareColumns() []string {
	pk := make(map[string]bool, len(t.PKColumns))
	for _, c := range t.PKColumns {
		pk[c] = true
	}
	var cols []string
	for _, c := range t.Columns {
		if !pk[c.Name] {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// Qualified returns "schema.name", or just the name when no schema is set.
func (t *Table) Qualified() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}
