package rowdiff

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db-recon/internal/dialect"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func usersSpec() Spec {
	return Spec{
		SourceTable:    "users",
		TargetTable:    "users",
		PKColumns:      []string{"id"},
		CompareColumns: []string{"email"},
	}
}

func keyRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	return rows
}

func dataRows(pairs ...interface{}) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "email"})
	for i := 0; i < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	return rows
}

func TestReconcileIdenticalTables(t *testing.T) {
	srcDB, srcMock := newMockDB(t)
	tgtDB, tgtMock := newMockDB(t)
	r := New(dialect.GetDialect("mysql"), dialect.GetDialect("mysql"))

	srcMock.ExpectQuery("SELECT (.+) FROM (.+) ORDER BY").WillReturnRows(keyRows(1, 2))
	tgtMock.ExpectQuery("SELECT (.+) FROM (.+) ORDER BY").WillReturnRows(keyRows(1, 2))
	srcMock.ExpectQuery("WHERE (.+) IN").
		WillReturnRows(dataRows(int64(1), "a@example.com", int64(2), "b@example.com"))
	tgtMock.ExpectQuery("WHERE (.+) IN").
		WillReturnRows(dataRows(int64(1), "a@example.com", int64(2), "b@example.com"))

	discrepancies, err := r.ReconcileTable(context.Background(), srcDB, tgtDB, usersSpec(), Options{})
	require.NoError(t, err)
	assert.Empty(t, discrepancies, "identical tables produce zero discrepancies")
	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, tgtMock.ExpectationsWereMet())
}

func TestReconcileMissingRow(t *testing.T) {
	srcDB, srcMock := newMockDB(t)
	tgtDB, tgtMock := newMockDB(t)
	r := New(dialect.GetDialect("mysql"), dialect.GetDialect("mysql"))

	srcMock.ExpectQuery("SELECT (.+) FROM (.+) ORDER BY").WillReturnRows(keyRows(1, 2, 42))
	tgtMock.ExpectQuery("SELECT (.+) FROM (.+) ORDER BY").WillReturnRows(keyRows(1, 2))

	// Missing rows are fetched from source, then the common set from both.
	srcMock.ExpectQuery("WHERE (.+) IN").WithArgs(int64(42)).
		WillReturnRows(dataRows(int64(42), "z@example.com"))
	srcMock.ExpectQuery("WHERE (.+) IN").WithArgs(int64(1), int64(2)).
		WillReturnRows(dataRows(int64(1), "a@example.com", int64(2), "b@example.com"))
	tgtMock.ExpectQuery("WHERE (.+) IN").WithArgs(int64(1), int64(2)).
		WillReturnRows(dataRows(int64(1), "a@example.com", int64(2), "b@example.com"))

	discrepancies, err := r.ReconcileTable(context.Background(), srcDB, tgtDB, usersSpec(), Options{})
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)

	d := discrepancies[0]
	assert.Equal(t, KindMissing, d.Kind)
	assert.Equal(t, "42", d.Key.String())
	assert.Equal(t, "z@example.com", d.SourceRow["email"])
	assert.Nil(t, d.TargetRow)
}

func TestReconcileExtraRow(t *testing.T) {
	srcDB, srcMock := newMockDB(t)
	tgtDB, tgtMock := newMockDB(t)
	r := New(dialect.GetDialect("mysql"), dialect.GetDialect("mysql"))

	srcMock.ExpectQuery("SELECT (.+) FROM (.+) ORDER BY").WillReturnRows(keyRows(1))
	tgtMock.ExpectQuery("SELECT (.+) FROM (.+) ORDER BY").WillReturnRows(keyRows(1, 9))

	tgtMock.ExpectQuery("WHERE (.+) IN").WithArgs(int64(9)).
		WillReturnRows(dataRows(int64(9), "ghost@example.com"))
	srcMock.ExpectQuery("WHERE (.+) IN").WithArgs(int64(1)).
		WillReturnRows(dataRows(int64(1), "a@example.com"))
	tgtMock.ExpectQuery("WHERE (.+) IN").WithArgs(int64(1)).
		WillReturnRows(dataRows(int64(1), "a@example.com"))

	discrepancies, err := r.ReconcileTable(context.Background(), srcDB, tgtDB, usersSpec(), Options{})
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)

	d := discrepancies[0]
	assert.Equal(t, KindExtra, d.Kind)
	assert.Equal(t, "9", d.Key.String())
	assert.Equal(t, "ghost@example.com", d.TargetRow["email"])
	assert.Nil(t, d.SourceRow)
}

func TestReconcileModifiedRow(t *testing.T) {
	srcDB, srcMock := newMockDB(t)
	tgtDB, tgtMock := newMockDB(t)
	r := New(dialect.GetDialect("mysql"), dialect.GetDialect("mysql"))

	srcMock.ExpectQuery("SELECT (.+) FROM (.+) ORDER BY").WillReturnRows(keyRows(1, 2))
	tgtMock.ExpectQuery("SELECT (.+) FROM (.+) ORDER BY").WillReturnRows(keyRows(1, 2))

	srcMock.ExpectQuery("WHERE (.+) IN").
		WillReturnRows(dataRows(int64(1), "a@example.com", int64(2), "b@example.com"))
	tgtMock.ExpectQuery("WHERE (.+) IN").
		WillReturnRows(dataRows(int64(1), "a@example.com", int64(2), "stale@example.com"))

	discrepancies, err := r.ReconcileTable(context.Background(), srcDB, tgtDB, usersSpec(), Options{})
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)

	d := discrepancies[0]
	assert.Equal(t, KindModified, d.Kind)
	assert.Equal(t, "2", d.Key.String())
	assert.Equal(t, []string{"email"}, d.ModifiedColumns)
	assert.Equal(t, "b@example.com", d.SourceRow["email"])
	assert.Equal(t, "stale@example.com", d.TargetRow["email"])
}

func TestReconcileRejectsInvalidSpec(t *testing.T) {
	srcDB, _ := newMockDB(t)
	tgtDB, _ := newMockDB(t)
	r := New(dialect.GetDialect("mysql"), dialect.GetDialect("mysql"))

	spec := usersSpec()
	spec.SourceTable = "users; DROP TABLE users"
	_, err := r.ReconcileTable(context.Background(), srcDB, tgtDB, spec, Options{})
	require.ErrorIs(t, err, dialect.ErrInvalidIdent)

	spec = usersSpec()
	spec.PKColumns = nil
	_, err = r.ReconcileTable(context.Background(), srcDB, tgtDB, spec, Options{})
	require.ErrorIs(t, err, dialect.ErrInvalidIdent)
}

func TestClassifyKeysIsAPartition(t *testing.T) {
	mk := func(ids ...int64) []Key {
		keys := make([]Key, len(ids))
		for i, id := range ids {
			keys[i] = Key{Columns: []string{"id"}, Values: []interface{}{id}}
		}
		return keys
	}

	missing, extra, common := classifyKeys(mk(1, 2, 3, 4, 5), mk(3, 4, 5, 6, 7, 8))

	toStrings := func(keys []Key) []string {
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i] = k.String()
		}
		return out
	}
	assert.Equal(t, []string{"1", "2"}, toStrings(missing))
	assert.Equal(t, []string{"6", "7", "8"}, toStrings(extra))
	assert.Equal(t, []string{"3", "4", "5"}, toStrings(common))

	// Every key of the union lands in exactly one bucket.
	seen := make(map[string]int)
	for _, k := range append(append(missing, extra...), common...) {
		seen[k.String()]++
	}
	assert.Len(t, seen, 8)
	for ks, n := range seen {
		assert.Equal(t, 1, n, ks)
	}
}

func TestCompositeKeyString(t *testing.T) {
	k := Key{Columns: []string{"region", "id"}, Values: []interface{}{"eu", int64(7)}}
	assert.Equal(t, "eu||7", k.String())
}

func TestKeyPredicate(t *testing.T) {
	d := dialect.GetDialect("postgres")

	single, args := keyPredicate(d, []string{"id"}, []Key{
		{Columns: []string{"id"}, Values: []interface{}{int64(1)}},
		{Columns: []string{"id"}, Values: []interface{}{int64(2)}},
	})
	assert.Equal(t, `"id" IN ($1, $2)`, single)
	assert.Equal(t, []interface{}{int64(1), int64(2)}, args)

	composite, args := keyPredicate(d, []string{"region", "id"}, []Key{
		{Columns: []string{"region", "id"}, Values: []interface{}{"eu", int64(1)}},
		{Columns: []string{"region", "id"}, Values: []interface{}{"us", int64(2)}},
	})
	assert.Equal(t, `("region" = $1 AND "id" = $2) OR ("region" = $3 AND "id" = $4)`, composite)
	assert.Equal(t, []interface{}{"eu", int64(1), "us", int64(2)}, args)
}

func TestValuesEqual(t *testing.T) {
	tol := 1e-9
	now := time.Now()

	cases := []struct {
		name string
		a, b interface{}
		want bool
	}{
		{"both null", nil, nil, true},
		{"null vs value", nil, "x", false},
		{"value vs null", int64(0), nil, false},
		{"equal strings", "abc", "abc", true},
		{"trailing whitespace trimmed", "abc   ", "abc", true},
		{"bytes vs string", []byte("abc"), "abc", true},
		{"leading whitespace significant", " abc", "abc", false},
		{"textual numbers compare as text", "007", "7", false},
		{"int vs float within tolerance", int64(5), float64(5.0), true},
		{"floats within tolerance", 0.1 + 0.2, 0.3, true},
		{"floats outside tolerance", 1.0, 1.0001, false},
		{"equal times", now, now, true},
		{"times across zones", now.UTC(), now.In(time.FixedZone("X", 3600)), true},
		{"different times", now, now.Add(time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, valuesEqual(tc.a, tc.b, tol))
		})
	}
}

func TestCompareRowSkipsKeyColumns(t *testing.T) {
	src := map[string]interface{}{"id": int64(1), "email": "a@x", "name": "alice"}
	tgt := map[string]interface{}{"id": int64(999), "email": "b@x", "name": "alice"}

	changed := compareRow(src, tgt, []string{"id"}, []string{"id", "email", "name"}, 1e-9)
	assert.Equal(t, []string{"email"}, changed)
}

func TestSpecAllColumnsDeduplicates(t *testing.T) {
	s := Spec{
		PKColumns:      []string{"id"},
		CompareColumns: []string{"id", "email"},
	}
	assert.Equal(t, []string{"id", "email"}, s.allColumns())
}
