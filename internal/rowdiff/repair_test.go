package rowdiff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db-recon/internal/dialect"
)

func repairFixture() ([]Discrepancy, Spec) {
	spec := Spec{
		SourceTable:    "users",
		TargetTable:    "users",
		PKColumns:      []string{"id"},
		CompareColumns: []string{"email", "name"},
	}
	discrepancies := []Discrepancy{
		{
			Table: "users",
			Key:   Key{Columns: []string{"id"}, Values: []interface{}{int64(7)}},
			Kind:  KindModified,
			SourceRow: map[string]interface{}{
				"id": int64(7), "email": "fresh@example.com", "name": "carol",
			},
			TargetRow: map[string]interface{}{
				"id": int64(7), "email": "stale@example.com", "name": "carol",
			},
			ModifiedColumns: []string{"email"},
		},
		{
			Table: "users",
			Key:   Key{Columns: []string{"id"}, Values: []interface{}{int64(42)}},
			Kind:  KindMissing,
			SourceRow: map[string]interface{}{
				"id": int64(42), "email": "z@example.com", "name": "zed",
			},
		},
		{
			Table: "users",
			Key:   Key{Columns: []string{"id"}, Values: []interface{}{int64(9)}},
			Kind:  KindExtra,
			TargetRow: map[string]interface{}{
				"id": int64(9), "email": "ghost@example.com", "name": "ghost",
			},
		},
	}
	return discrepancies, spec
}

func TestGenerateRepairScriptOrdering(t *testing.T) {
	discrepancies, spec := repairFixture()
	script := GenerateRepairScript(discrepancies, spec, dialect.GetDialect("postgres"))

	del := strings.Index(script, "DELETE FROM")
	ins := strings.Index(script, "INSERT INTO")
	upd := strings.Index(script, "UPDATE")
	require.Greater(t, del, -1)
	require.Greater(t, ins, -1)
	require.Greater(t, upd, -1)
	assert.Less(t, del, ins, "deletes must come before inserts")
	assert.Less(t, ins, upd, "inserts must come before updates")

	assert.True(t, strings.HasSuffix(strings.TrimSpace(script), "COMMIT;"))
	assert.Contains(t, script, "BEGIN;")
}

func TestGenerateRepairScriptStatements(t *testing.T) {
	discrepancies, spec := repairFixture()
	script := GenerateRepairScript(discrepancies, spec, dialect.GetDialect("postgres"))

	assert.Contains(t, script, `DELETE FROM "users" WHERE "id" = 9;`)
	assert.Contains(t, script, `INSERT INTO "users" ("id", "email", "name") VALUES (42, 'z@example.com', 'zed');`)
	assert.Contains(t, script, `UPDATE "users" SET "email" = 'fresh@example.com' WHERE "id" = 7;`)
	assert.NotContains(t, script, `"name" = 'carol'`, "updates touch only the recorded modified columns")

	// Every statement carries its key for traceability.
	assert.Contains(t, script, "-- extra row, pk: 9")
	assert.Contains(t, script, "-- missing row, pk: 42")
	assert.Contains(t, script, "-- modified row, pk: 7, columns: email")
}

func TestGenerateRepairScriptEscapesLiterals(t *testing.T) {
	spec := Spec{
		SourceTable:    "users",
		TargetTable:    "users",
		PKColumns:      []string{"id"},
		CompareColumns: []string{"name"},
	}
	discrepancies := []Discrepancy{
		{
			Key:             Key{Columns: []string{"id"}, Values: []interface{}{int64(1)}},
			Kind:            KindModified,
			SourceRow:       map[string]interface{}{"id": int64(1), "name": "O'Brien"},
			ModifiedColumns: []string{"name"},
		},
	}
	script := GenerateRepairScript(discrepancies, spec, dialect.GetDialect("postgres"))
	assert.Contains(t, script, `'O''Brien'`)
}

func TestGenerateRepairScriptNullValue(t *testing.T) {
	spec := Spec{
		SourceTable:    "users",
		TargetTable:    "users",
		PKColumns:      []string{"id"},
		CompareColumns: []string{"name"},
	}
	discrepancies := []Discrepancy{
		{
			Key:             Key{Columns: []string{"id"}, Values: []interface{}{int64(1)}},
			Kind:            KindModified,
			SourceRow:       map[string]interface{}{"id": int64(1), "name": nil},
			ModifiedColumns: []string{"name"},
		},
	}
	script := GenerateRepairScript(discrepancies, spec, dialect.GetDialect("postgres"))
	assert.Contains(t, script, `SET "name" = NULL`)
}

func TestGenerateRepairScriptOracleHasNoBegin(t *testing.T) {
	discrepancies, spec := repairFixture()
	script := GenerateRepairScript(discrepancies, spec, dialect.GetDialect("oracle"))

	assert.NotContains(t, script, "BEGIN")
	assert.Contains(t, script, "COMMIT;")
}

func TestGenerateRepairScriptEmpty(t *testing.T) {
	_, spec := repairFixture()
	script := GenerateRepairScript(nil, spec, dialect.GetDialect("postgres"))

	assert.Contains(t, script, "-- 0 discrepancies")
	assert.NotContains(t, script, "DELETE")
	assert.NotContains(t, script, "INSERT")
	assert.NotContains(t, script, "UPDATE")
}
