package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/aelfazziki/replication-manager/internal/connector"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// ListSchemasAndTables filters out Oracle-owned system schemas, per §4.2.
func (c *Connector) ListSchemasAndTables(ctx context.Context) (map[string][]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT OWNER, TABLE_NAME
		FROM ALL_TABLES
		ORDER BY OWNER, TABLE_NAME`)
	if err != nil {
		return nil, rerr.New(rerr.SourceTransient, "oracle.ListSchemasAndTables", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var owner, table string
		if err := rows.Scan(&owner, &table); err != nil {
			return nil, rerr.New(rerr.SourceTransient, "oracle.ListSchemasAndTables", err)
		}
		if systemSchemas[strings.ToUpper(owner)] {
			continue
		}
		out[owner] = append(out[owner], table)
	}
	return out, rows.Err()
}

// GetTableSchema tries the caller's spelling first; if no columns are
// found, retries uppercase (Oracle is case-folding for unquoted
// identifiers). Fails with NoSuchTable if neither resolves.
func (c *Connector) GetTableSchema(ctx context.Context, schema, table string) (model.SourceTableSchema, error) {
	def, found, err := c.queryTableSchema(ctx, schema, table)
	if err != nil {
		return model.SourceTableSchema{}, err
	}
	if found {
		return def, nil
	}
	upperSchema, upperTable := strings.ToUpper(schema), strings.ToUpper(table)
	if upperSchema != schema || upperTable != table {
		def, found, err = c.queryTableSchema(ctx, upperSchema, upperTable)
		if err != nil {
			return model.SourceTableSchema{}, err
		}
		if found {
			return def, nil
		}
	}
	return model.SourceTableSchema{}, rerr.Withf(rerr.NoSuchTable, "oracle.GetTableSchema",
		"table %s.%s not found (tried case-sensitive and uppercase)", schema, table)
}

func (c *Connector) queryTableSchema(ctx context.Context, schema, table string) (model.SourceTableSchema, bool, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT
			col.COLUMN_NAME,
			col.DATA_TYPE,
			col.DATA_LENGTH,
			col.DATA_PRECISION,
			col.DATA_SCALE,
			col.NULLABLE,
			CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 1 ELSE 0 END AS IS_PK
		FROM ALL_TAB_COLUMNS col
		LEFT JOIN (
			SELECT cc.COLUMN_NAME
			FROM ALL_CONSTRAINTS c
			JOIN ALL_CONS_COLUMNS cc
			  ON cc.CONSTRAINT_NAME = c.CONSTRAINT_NAME AND cc.OWNER = c.OWNER
			WHERE c.CONSTRAINT_TYPE = 'P' AND c.OWNER = :1 AND c.TABLE_NAME = :2
		) pk ON pk.COLUMN_NAME = col.COLUMN_NAME
		WHERE col.OWNER = :3 AND col.TABLE_NAME = :4
		ORDER BY col.COLUMN_ID`, schema, table, schema, table)
	if err != nil {
		return model.SourceTableSchema{}, false, rerr.New(rerr.SourceTransient, "oracle.GetTableSchema", err)
	}
	defer rows.Close()

	def := model.SourceTableSchema{Schema: schema, Table: table}
	for rows.Next() {
		var name, dataType, nullable string
		var length sql.NullInt64
		var precision, scale sql.NullInt64
		var isPK int
		if err := rows.Scan(&name, &dataType, &length, &precision, &scale, &nullable, &isPK); err != nil {
			return model.SourceTableSchema{}, false, rerr.New(rerr.SourceTransient, "oracle.GetTableSchema", err)
		}
		col := model.ColumnDef{
			Name:     name,
			BaseType: dataType,
			Nullable: nullable == "Y",
			PK:       isPK == 1,
		}
		if length.Valid {
			v := int(length.Int64)
			col.Length = &v
		}
		if precision.Valid {
			v := int(precision.Int64)
			col.Precision = &v
		}
		if scale.Valid {
			v := int(scale.Int64)
			col.Scale = &v
		}
		if col.PK {
			def.PrimaryKey = append(def.PrimaryKey, col.Name)
		}
		def.Columns = append(def.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return model.SourceTableSchema{}, false, rerr.New(rerr.SourceTransient, "oracle.GetTableSchema", err)
	}
	return def, len(def.Columns) > 0, nil
}

// snapshotStream paginates a table deterministically ordered by ROWID
// using OFFSET ... FETCH NEXT, per §4.2's normative pagination contract.
type snapshotStream struct {
	db        *sql.DB
	ctx       context.Context
	schema    string
	table     string
	chunkSize int
	offset    int
	done      bool
}

func (c *Connector) SnapshotChunks(ctx context.Context, schema, table string, chunkSize int) (connector.SnapshotStream, error) {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &snapshotStream{db: c.db, ctx: ctx, schema: schema, table: table, chunkSize: chunkSize}, nil
}

func (s *snapshotStream) Next(ctx context.Context) (model.RowBatch, error) {
	if s.done {
		return nil, io.EOF
	}

	query := fmt.Sprintf(`
		SELECT *
		FROM %s.%s
		ORDER BY ROWID
		OFFSET %d ROWS FETCH NEXT %d ROWS ONLY`, s.schema, s.table, s.offset, s.chunkSize)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, rerr.New(rerr.SourceTransient, "oracle.SnapshotChunks", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, rerr.New(rerr.SourceTransient, "oracle.SnapshotChunks", err)
	}

	var batch model.RowBatch
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, rerr.New(rerr.SourceTransient, "oracle.SnapshotChunks", err)
		}
		row := make(map[string]any, len(cols))
		for i, name := range cols {
			row[name] = vals[i]
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, rerr.New(rerr.SourceTransient, "oracle.SnapshotChunks", err)
	}

	s.offset += len(batch)
	if len(batch) < s.chunkSize {
		s.done = true
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (s *snapshotStream) Close() error { return nil }
