package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ApplyChanges and WriteSnapshotChunk drive a pgxpool.Pool directly, which
// has no grounded mock in the retrieved corpus; these cases instead pin
// down the pure SQL-fragment builders that produce the idempotent-upsert
// and predicate clauses consumed by those methods.

func TestGenericToPostgresDDL(t *testing.T) {
	cases := map[string]string{
		"STRING(64)":          "VARCHAR(64)",
		"STRING":              "TEXT",
		"DECIMAL(10,2)":       "NUMERIC(10,2)",
		"INT32":               "INTEGER",
		"INT64":               "BIGINT",
		"BOOL":                "BOOLEAN",
		"BINARY":              "BYTEA",
		"JSON":                "JSONB",
		"TIMESTAMP":           "TIMESTAMP",
		"TIMESTAMP WITH TIME ZONE": "TIMESTAMPTZ",
	}
	for generic, want := range cases {
		assert.Equal(t, want, genericToPostgresDDL(generic), generic)
	}
}

func TestSplitTypeArgs(t *testing.T) {
	name, args := splitTypeArgs("DECIMAL(10,2)")
	assert.Equal(t, "DECIMAL", name)
	assert.Equal(t, "10,2", args)

	name, args = splitTypeArgs("TEXT")
	assert.Equal(t, "TEXT", name)
	assert.Equal(t, "", args)
}

func TestWhereFromKeys_BindsStartAtGivenIndex(t *testing.T) {
	where, args := whereFromKeys(map[string]any{"id": 42}, 3)
	assert.Equal(t, "id = $3", where)
	assert.Equal(t, []any{42}, args)
}

func TestPrimaryKeyOrder_ListsAllKeyColumns(t *testing.T) {
	cols := primaryKeyOrder(map[string]any{"id": 1})
	assert.Equal(t, []string{"id"}, cols)
}
