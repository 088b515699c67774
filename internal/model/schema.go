package model

// ColumnDef describes one column of a source table, as discovered by a
// source connector's get_table_schema.
type ColumnDef struct {
	Name      string
	BaseType  string
	Length    *int
	Precision *int
	Scale     *int
	Nullable  bool
	PK        bool
}

// SourceTableSchema describes a source table as produced by the source
// connector and consumed by the schema converter and target connector.
type SourceTableSchema struct {
	Schema     string
	Table      string
	Columns    []ColumnDef
	PrimaryKey []string
}

// TargetColumn is a column of a schema that has passed through the schema
// converter and is ready for dialect-specific DDL rendering.
type TargetColumn struct {
	Name      string
	Type      string // generic type name, e.g. "STRING(100)", "DECIMAL(10,2)"; each target renders it to its own DDL
	Nullable  bool
	PK        bool
}

// TargetTableSchema is the output of schemaconvert.Convert: a table
// definition expressed in the converter's generic type vocabulary, which
// each target connector renders into its own dialect's DDL.
type TargetTableSchema struct {
	Schema     string
	Table      string
	Columns    []TargetColumn
	PrimaryKey []string
}
