package schemaconvert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelfazziki/replication-manager/internal/model"
)

func intPtr(n int) *int { return &n }

func TestConvert_OracleToPostgres_ExactMatches(t *testing.T) {
	def := model.SourceTableSchema{
		Schema: "HR",
		Table:  "EMPLOYEES",
		Columns: []model.ColumnDef{
			{Name: "ID", BaseType: "NUMBER", Precision: intPtr(10), Scale: intPtr(0), PK: true},
			{Name: "NAME", BaseType: "VARCHAR2", Length: intPtr(100), Nullable: true},
			{Name: "HIRE_DATE", BaseType: "DATE"},
			{Name: "NOTES", BaseType: "CLOB", Nullable: true},
		},
		PrimaryKey: []string{"ID"},
	}

	out, warnings, err := Convert(def, model.KindOracle, model.KindPostgres)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"ID"}, out.PrimaryKey)
	require.Len(t, out.Columns, 4)
	assert.Equal(t, "DECIMAL(10,0)", out.Columns[0].Type)
	assert.True(t, out.Columns[0].PK)
	assert.Equal(t, "STRING(100)", out.Columns[1].Type)
	assert.Equal(t, "TIMESTAMP", out.Columns[2].Type)
	assert.Equal(t, "TEXT", out.Columns[3].Type)
}

func TestConvert_UnmappedType_FallsBackWithWarning(t *testing.T) {
	def := model.SourceTableSchema{
		Schema: "S",
		Table:  "T",
		Columns: []model.ColumnDef{
			{Name: "GEOM", BaseType: "SDO_GEOMETRY"},
		},
	}

	out, warnings, err := Convert(def, model.KindOracle, model.KindPostgres)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Detail, "SDO_GEOMETRY")
	assert.Equal(t, "TEXT", out.Columns[0].Type)
}

func TestConvert_PrefixFamilyFallback(t *testing.T) {
	def := model.SourceTableSchema{
		Schema: "S",
		Table:  "T",
		Columns: []model.ColumnDef{
			{Name: "X", BaseType: "NUMBER(38)"}, // not an exact key, but NUMBER-prefixed
		},
	}

	out, warnings, err := Convert(def, model.KindOracle, model.KindPostgres)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "DECIMAL", out.Columns[0].Type)
}

func TestConvert_ColumnOrderPreserved(t *testing.T) {
	def := model.SourceTableSchema{
		Schema: "S",
		Table:  "T",
		Columns: []model.ColumnDef{
			{Name: "C", BaseType: "VARCHAR2", Length: intPtr(10)},
			{Name: "A", BaseType: "VARCHAR2", Length: intPtr(10)},
			{Name: "B", BaseType: "VARCHAR2", Length: intPtr(10)},
		},
	}

	out, _, err := Convert(def, model.KindOracle, model.KindPostgres)
	require.NoError(t, err)
	require.Len(t, out.Columns, 3)
	assert.Equal(t, []string{"C", "A", "B"}, []string{out.Columns[0].Name, out.Columns[1].Name, out.Columns[2].Name})
}

func TestConvert_Deterministic(t *testing.T) {
	def := model.SourceTableSchema{
		Schema:  "S",
		Table:   "T",
		Columns: []model.ColumnDef{{Name: "A", BaseType: "NUMBER", Precision: intPtr(5), Scale: intPtr(2)}},
	}

	out1, _, err1 := Convert(def, model.KindOracle, model.KindMySQL)
	out2, _, err2 := Convert(def, model.KindOracle, model.KindMySQL)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, out1, out2)
}

func TestConvert_UnknownSourceKind(t *testing.T) {
	_, _, err := Convert(model.SourceTableSchema{}, model.Kind("unknown"), model.KindPostgres)
	require.Error(t, err)
}
