package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/aelfazziki/replication-manager/internal/connector"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

type snapshotStream struct {
	db        *sql.DB
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
	return &snapshotStream{db: c.db, schema: schema, table: table, chunkSize: chunkSize}, nil
}

func (s *snapshotStream) Next(ctx context.Context) (model.RowBatch, error) {
	if s.done {
		return nil, io.EOF
	}

	query := fmt.Sprintf("SELECT * FROM `%s`.`%s` LIMIT %d OFFSET %d", s.schema, s.table, s.chunkSize, s.offset)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, rerr.New(rerr.SourceTransient, "mysql.SnapshotChunks", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, rerr.New(rerr.SourceTransient, "mysql.SnapshotChunks", err)
	}

	var batch model.RowBatch
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, rerr.New(rerr.SourceTransient, "mysql.SnapshotChunks", err)
		}
		row := make(map[string]any, len(cols))
		for i, name := range cols {
			row[name] = vals[i]
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, rerr.New(rerr.SourceTransient, "mysql.SnapshotChunks", err)
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
