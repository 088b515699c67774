package postgres

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aelfazziki/replication-manager/internal/connector"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

func (c *Connector) CurrentPosition(ctx context.Context) (model.Position, error) {
	var lsnText string
	if err := c.pool.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&lsnText); err != nil {
		return model.Position{}, rerr.New(rerr.SourceTransient, "postgres.CurrentPosition", err)
	}
	lsn, err := pglogrepl.ParseLSN(lsnText)
	if err != nil {
		return model.Position{}, rerr.New(rerr.SourceTransient, "postgres.CurrentPosition", err)
	}
	return model.PostgresLSN(uint64(lsn)), nil
}

func (c *Connector) ListSchemasAndTables(ctx context.Context) (map[string][]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, rerr.New(rerr.SourceTransient, "postgres.ListSchemasAndTables", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, rerr.New(rerr.SourceTransient, "postgres.ListSchemasAndTables", err)
		}
		if systemSchemas[schema] {
			continue
		}
		out[schema] = append(out[schema], table)
	}
	return out, rows.Err()
}

func (c *Connector) GetTableSchema(ctx context.Context, schema, table string) (model.SourceTableSchema, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT
			col.column_name,
			col.udt_name,
			col.character_maximum_length,
			col.numeric_precision,
			col.numeric_scale,
			col.is_nullable,
			CASE WHEN pk.column_name IS NOT NULL THEN true ELSE false END AS is_pk
		FROM information_schema.columns col
		LEFT JOIN (
			SELECT kcu.column_name
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		) pk ON pk.column_name = col.column_name
		WHERE col.table_schema = $1 AND col.table_name = $2
		ORDER BY col.ordinal_position`, schema, table)
	if err != nil {
		return model.SourceTableSchema{}, rerr.New(rerr.SourceTransient, "postgres.GetTableSchema", err)
	}
	defer rows.Close()

	def := model.SourceTableSchema{Schema: schema, Table: table}
	for rows.Next() {
		var name, dataType, nullable string
		var length, precision, scale *int
		var isPK bool
		if err := rows.Scan(&name, &dataType, &length, &precision, &scale, &nullable, &isPK); err != nil {
			return model.SourceTableSchema{}, rerr.New(rerr.SourceTransient, "postgres.GetTableSchema", err)
		}
		col := model.ColumnDef{
			Name: name, BaseType: dataType,
			Length: length, Precision: precision, Scale: scale,
			Nullable: nullable == "YES", PK: isPK,
		}
		if col.PK {
			def.PrimaryKey = append(def.PrimaryKey, col.Name)
		}
		def.Columns = append(def.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return model.SourceTableSchema{}, rerr.New(rerr.SourceTransient, "postgres.GetTableSchema", err)
	}
	if len(def.Columns) == 0 {
		return model.SourceTableSchema{}, rerr.Withf(rerr.NoSuchTable, "postgres.GetTableSchema", "table %s.%s not found", schema, table)
	}
	return def, nil
}

type snapshotStream struct {
	pool      *pgxpool.Pool
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
	return &snapshotStream{pool: c.pool, schema: schema, table: table, chunkSize: chunkSize}, nil
}

func (s *snapshotStream) Next(ctx context.Context) (model.RowBatch, error) {
	if s.done {
		return nil, io.EOF
	}

	query := fmt.Sprintf(`SELECT * FROM %s.%s ORDER BY ctid LIMIT %d OFFSET %d`, s.schema, s.table, s.chunkSize, s.offset)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, rerr.New(rerr.SourceTransient, "postgres.SnapshotChunks", err)
	}
	defer rows.Close()

	var batch model.RowBatch
	fieldDescs := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, rerr.New(rerr.SourceTransient, "postgres.SnapshotChunks", err)
		}
		row := make(map[string]any, len(vals))
		for i, fd := range fieldDescs {
			row[string(fd.Name)] = vals[i]
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, rerr.New(rerr.SourceTransient, "postgres.SnapshotChunks", err)
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
