package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
	"github.com/aelfazziki/replication-manager/internal/schemaconvert"
)

func (c *Connector) CreateSchemaIfAbsent(ctx context.Context, schema string) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema))
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.CreateSchemaIfAbsent", err)
	}
	return nil
}

func (c *Connector) CreateTableIfAbsent(ctx context.Context, src model.SourceTableSchema, sourceKind model.Kind, targetSchema string) error {
	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		targetSchema, src.Table).Scan(&exists)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.CreateTableIfAbsent", err)
	}
	if exists {
		return nil
	}

	target, warnings, err := schemaconvert.Convert(src, sourceKind, model.KindPostgres)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.CreateTableIfAbsent", err)
	}
	for _, w := range warnings {
		c.log.Warnf("schema conversion for %s.%s.%s: %s", targetSchema, src.Table, w.Column, w.Detail)
	}

	var cols []string
	for _, col := range target.Columns {
		ddl := fmt.Sprintf("%s %s", col.Name, genericToPostgresDDL(col.Type))
		if !col.Nullable {
			ddl += " NOT NULL"
		}
		cols = append(cols, ddl)
	}
	var pkClause string
	if len(target.PrimaryKey) > 0 {
		pkClause = fmt.Sprintf(", PRIMARY KEY (%s)", strings.Join(target.PrimaryKey, ", "))
	}
	cols = append(cols, "meta_create_timestamp TIMESTAMPTZ DEFAULT now()", "meta_update_timestamp TIMESTAMPTZ DEFAULT now()")

	stmt := fmt.Sprintf(`CREATE TABLE %s.%s (%s%s)`, targetSchema, src.Table, strings.Join(cols, ", "), pkClause)
	if _, err := c.pool.Exec(ctx, stmt); err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.CreateTableIfAbsent", err)
	}
	return nil
}

func genericToPostgresDDL(generic string) string {
	name, args := splitTypeArgs(generic)
	switch {
	case strings.HasPrefix(name, "STRING"):
		if args != "" {
			return fmt.Sprintf("VARCHAR(%s)", args)
		}
		return "TEXT"
	case name == "TEXT":
		return "TEXT"
	case strings.HasPrefix(name, "DECIMAL"):
		if args != "" {
			return fmt.Sprintf("NUMERIC(%s)", args)
		}
		return "NUMERIC"
	case name == "INT16":
		return "SMALLINT"
	case name == "INT32":
		return "INTEGER"
	case name == "INT64":
		return "BIGINT"
	case name == "FLOAT32":
		return "REAL"
	case name == "FLOAT64":
		return "DOUBLE PRECISION"
	case name == "BOOL":
		return "BOOLEAN"
	case name == "BINARY":
		return "BYTEA"
	case name == "JSON":
		return "JSONB"
	case strings.HasPrefix(name, "TIMESTAMP"):
		if strings.Contains(generic, "WITH TIME ZONE") {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	case name == "INTERVAL":
		return "INTERVAL"
	default:
		return "TEXT"
	}
}

func splitTypeArgs(generic string) (name, args string) {
	i := strings.Index(generic, "(")
	if i < 0 {
		return generic, ""
	}
	j := strings.Index(generic, ")")
	if j < i {
		return generic, ""
	}
	return generic[:i], generic[i+1 : j]
}

func (c *Connector) ClearTable(ctx context.Context, schema, table string) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s.%s", schema, table))
	if err != nil {
		c.log.Warnf("ClearTable %s.%s: %v (continuing)", schema, table, err)
	}
	return nil
}

func (c *Connector) WriteSnapshotChunk(ctx context.Context, schema, table string, rows model.RowBatch) error {
	if len(rows) == 0 {
		return nil
	}
	cols := columnOrder(rows[0])

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.WriteSnapshotChunk", err)
	}
	defer tx.Rollback(ctx)

	source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		vals := make([]any, len(cols))
		for j, col := range cols {
			vals[j] = rows[i][col]
		}
		return vals, nil
	})
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{schema, table}, cols, source); err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.WriteSnapshotChunk", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.WriteSnapshotChunk", err)
	}
	return nil
}

func columnOrder(row map[string]any) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	return cols
}

var errSkipEvent = fmt.Errorf("event skipped: missing required data")

// ApplyChanges applies an ordered batch atomically. mergeEnabled drives
// INSERT ... ON CONFLICT (primary_keys) DO UPDATE; otherwise plain
// INSERT/UPDATE/DELETE. Binds use $1, $2, ... per Postgres convention.
func (c *Connector) ApplyChanges(ctx context.Context, batch []model.ChangeEvent, targetSchema string, mergeEnabled bool) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.ApplyChanges", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range batch {
		if err := c.applyOne(ctx, tx, ev, targetSchema, mergeEnabled); err != nil {
			if err == errSkipEvent {
				continue
			}
			return rerr.New(rerr.TargetApplyError, "postgres.ApplyChanges", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return rerr.New(rerr.TargetApplyError, "postgres.ApplyChanges", err)
	}
	return nil
}

func (c *Connector) applyOne(ctx context.Context, tx pgx.Tx, ev model.ChangeEvent, schema string, mergeEnabled bool) error {
	if len(ev.PrimaryKeys) == 0 {
		c.log.Warnf("skipping %s on %s.%s: no primary key in event", ev.Operation, schema, ev.Table)
		return errSkipEvent
	}

	switch ev.Operation {
	case model.OpDelete:
		where, args := whereFromKeys(ev.PrimaryKeys, 1)
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s.%s WHERE %s", schema, ev.Table, where), args...)
		return err
	case model.OpInsert, model.OpUpdate:
		if len(ev.AfterData) == 0 {
			c.log.Warnf("skipping %s on %s.%s: no after-image", ev.Operation, schema, ev.Table)
			return errSkipEvent
		}
		if mergeEnabled {
			return c.applyUpsert(ctx, tx, ev, schema)
		}
		if ev.Operation == model.OpInsert {
			return c.applyInsert(ctx, tx, ev, schema)
		}
		return c.applyUpdate(ctx, tx, ev, schema)
	default:
		return nil
	}
}

func (c *Connector) applyInsert(ctx context.Context, tx pgx.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	binds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		binds[i] = fmt.Sprintf("$%d", i+1)
		args[i] = ev.AfterData[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)", schema, ev.Table, strings.Join(cols, ", "), strings.Join(binds, ", "))
	_, err := tx.Exec(ctx, stmt, args...)
	return err
}

func (c *Connector) applyUpdate(ctx context.Context, tx pgx.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	var setClauses []string
	var args []any
	n := 1
	for _, col := range cols {
		if _, isPK := ev.PrimaryKeys[col]; isPK {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, ev.AfterData[col])
		n++
	}
	setClauses = append(setClauses, "meta_update_timestamp = now()")
	where, whereArgs := whereFromKeys(ev.PrimaryKeys, n)
	args = append(args, whereArgs...)
	stmt := fmt.Sprintf("UPDATE %s.%s SET %s WHERE %s",
		schema, ev.Table, strings.Join(setClauses, ", "), where)
	_, err := tx.Exec(ctx, stmt, args...)
	return err
}

func (c *Connector) applyUpsert(ctx context.Context, tx pgx.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	binds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		binds[i] = fmt.Sprintf("$%d", i+1)
		args[i] = ev.AfterData[col]
	}

	var updateClauses []string
	for _, col := range cols {
		if _, isPK := ev.PrimaryKeys[col]; isPK {
			continue
		}
		updateClauses = append(updateClauses, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	updateClauses = append(updateClauses, "meta_update_timestamp = now()")

	stmt := fmt.Sprintf(`INSERT INTO %s.%s (%s, meta_create_timestamp, meta_update_timestamp)
VALUES (%s, now(), now())
ON CONFLICT (%s) DO UPDATE SET %s`,
		schema, ev.Table, strings.Join(cols, ", "), strings.Join(binds, ", "),
		strings.Join(primaryKeyOrder(ev.PrimaryKeys), ", "), strings.Join(updateClauses, ", "))

	_, err := tx.Exec(ctx, stmt, args...)
	return err
}

func primaryKeyOrder(pk map[string]any) []string {
	cols := make([]string, 0, len(pk))
	for k := range pk {
		cols = append(cols, k)
	}
	return cols
}

func whereFromKeys(pk map[string]any, startBind int) (string, []any) {
	var clauses []string
	var args []any
	n := startBind
	for _, col := range primaryKeyOrder(pk) {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, pk[col])
		n++
	}
	return strings.Join(clauses, " AND "), args
}
