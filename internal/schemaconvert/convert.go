// Package schemaconvert implements the Schema Converter (C2): a pure,
// deterministic mapping from a source table's column types to a generic
// type vocabulary that each target connector renders into its own DDL.
// Grounded on original_source's
// BasicSqlAlchemyConverter: a per-source-kind exact-match type table with
// a prefix-family fallback ladder before giving up and falling back to a
// textual type with a warning.
package schemaconvert

import (
	"fmt"
	"strings"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// Warning is a non-fatal notice emitted when a source type could not be
// mapped exactly and fell back to a textual representation.
type Warning struct {
	Column string
	Detail string
}

// targetType describes how a matched source type renders in the generic
// vocabulary, with optional parameter propagation.
type targetType struct {
	name          string // base generic type name, e.g. "STRING", "DECIMAL"
	takesLength   bool
	takesPrecScale bool
	takesTZ       bool
}

// typeMap is keyed by upper-cased source base type name. One map per
// source Kind, since the same type name can mean different things across
// dialects (e.g. Oracle FLOAT vs Postgres FLOAT).
var typeMaps = map[model.Kind]map[string]targetType{
	model.KindOracle: {
		"VARCHAR2":                      {name: "STRING", takesLength: true},
		"NVARCHAR2":                     {name: "STRING", takesLength: true},
		"CHAR":                          {name: "STRING", takesLength: true},
		"NCHAR":                         {name: "STRING", takesLength: true},
		"NUMBER":                        {name: "DECIMAL", takesPrecScale: true},
		"FLOAT":                         {name: "FLOAT64"},
		"BINARY_FLOAT":                  {name: "FLOAT32"},
		"BINARY_DOUBLE":                 {name: "FLOAT64"},
		"DATE":                          {name: "TIMESTAMP"},
		"TIMESTAMP":                     {name: "TIMESTAMP"},
		"TIMESTAMP WITH TIME ZONE":      {name: "TIMESTAMP", takesTZ: true},
		"TIMESTAMP WITH LOCAL TIME ZONE": {name: "TIMESTAMP", takesTZ: true},
		"INTERVAL YEAR TO MONTH":        {name: "INTERVAL"},
		"INTERVAL DAY TO SECOND":        {name: "INTERVAL"},
		"CLOB":                          {name: "TEXT"},
		"NCLOB":                         {name: "TEXT"},
		"BLOB":                          {name: "BINARY"},
		"RAW":                           {name: "BINARY", takesLength: true},
		"LONG":                          {name: "TEXT"},
		"LONG RAW":                      {name: "BINARY"},
	},
	model.KindPostgres: {
		"VARCHAR":           {name: "STRING", takesLength: true},
		"TEXT":              {name: "TEXT"},
		"INTEGER":           {name: "INT32"},
		"SMALLINT":          {name: "INT16"},
		"BIGINT":            {name: "INT64"},
		"NUMERIC":           {name: "DECIMAL", takesPrecScale: true},
		"REAL":              {name: "FLOAT32"},
		"DOUBLE PRECISION":  {name: "FLOAT64"},
		"BOOLEAN":           {name: "BOOL"},
		"BYTEA":             {name: "BINARY"},
		"JSON":              {name: "JSON"},
		"JSONB":             {name: "JSON"},
		"UUID":              {name: "STRING"},
		"TIMESTAMP":         {name: "TIMESTAMP"},
		"TIMESTAMPTZ":       {name: "TIMESTAMP", takesTZ: true},
		"DATE":              {name: "TIMESTAMP"},
	},
	model.KindMySQL: {
		"VARCHAR":    {name: "STRING", takesLength: true},
		"TEXT":       {name: "TEXT"},
		"INT":        {name: "INT32"},
		"TINYINT":    {name: "INT16"},
		"SMALLINT":   {name: "INT16"},
		"BIGINT":     {name: "INT64"},
		"DECIMAL":    {name: "DECIMAL", takesPrecScale: true},
		"FLOAT":      {name: "FLOAT32"},
		"DOUBLE":     {name: "FLOAT64"},
		"DATETIME":   {name: "TIMESTAMP"},
		"TIMESTAMP":  {name: "TIMESTAMP"},
		"DATE":       {name: "TIMESTAMP"},
		"BLOB":       {name: "BINARY"},
		"JSON":       {name: "JSON"},
	},
}

// prefixFamilies is the second-tier fallback ladder: when the exact base
// type name misses the map, match by prefix before giving up.
var prefixFamilies = []struct {
	prefix string
	fn     func() targetType
}{
	{"VARCHAR", func() targetType { return targetType{name: "STRING", takesLength: true} }},
	{"NVARCHAR", func() targetType { return targetType{name: "STRING", takesLength: true} }},
	{"NUMBER", func() targetType { return targetType{name: "DECIMAL", takesPrecScale: true} }},
	{"DECIMAL", func() targetType { return targetType{name: "DECIMAL", takesPrecScale: true} }},
	{"CHAR", func() targetType { return targetType{name: "STRING", takesLength: true} }},
	{"NCHAR", func() targetType { return targetType{name: "STRING", takesLength: true} }},
	{"FLOAT", func() targetType { return targetType{name: "FLOAT64"} }},
	{"TIMESTAMP", func() targetType { return targetType{name: "TIMESTAMP"} }},
}

// Convert maps a source table definition's column types into the generic
// type vocabulary; the result is the same for every targetKind. It never
// fails silently: every unmapped type is reported as a Warning and
// rendered as a textual fallback. It fails with rerr.UnsupportedType only
// when sourceKind has no registered type map at all.
func Convert(def model.SourceTableSchema, sourceKind, targetKind model.Kind) (model.TargetTableSchema, []Warning, error) {
	typeMap, ok := typeMaps[sourceKind]
	if !ok {
		return model.TargetTableSchema{}, nil, rerr.Withf(rerr.UnsupportedType, "schemaconvert.Convert",
			"no type map registered for source kind %q", sourceKind)
	}

	out := model.TargetTableSchema{
		Schema:     def.Schema,
		Table:      def.Table,
		PrimaryKey: append([]string(nil), def.PrimaryKey...),
	}
	var warnings []Warning

	for _, col := range def.Columns {
		tt, warn := resolveType(typeMap, col)
		if warn != "" {
			warnings = append(warnings, Warning{Column: col.Name, Detail: warn})
		}
		out.Columns = append(out.Columns, model.TargetColumn{
			Name:     col.Name,
			Type:     renderType(tt, col),
			Nullable: col.Nullable,
			PK:       col.PK,
		})
	}

	return out, warnings, nil
}

func resolveType(typeMap map[string]targetType, col model.ColumnDef) (targetType, string) {
	base := strings.ToUpper(strings.TrimSpace(col.BaseType))
	if tt, ok := typeMap[base]; ok {
		return tt, ""
	}
	for _, fam := range prefixFamilies {
		if strings.HasPrefix(base, fam.prefix) {
			return fam.fn(), ""
		}
	}
	return targetType{name: "TEXT"}, fmt.Sprintf("unmapped source type %q, defaulting to TEXT", col.BaseType)
}

func renderType(tt targetType, col model.ColumnDef) string {
	switch {
	case tt.takesLength && col.Length != nil:
		return fmt.Sprintf("%s(%d)", tt.name, *col.Length)
	case tt.takesPrecScale && col.Precision != nil:
		scale := 0
		if col.Scale != nil {
			scale = *col.Scale
		}
		return fmt.Sprintf("%s(%d,%d)", tt.name, *col.Precision, scale)
	case tt.takesTZ:
		return tt.name + " WITH TIME ZONE"
	default:
		return tt.name
	}
}
