package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
	"github.com/aelfazziki/replication-manager/internal/schemaconvert"
)

// CreateSchemaIfAbsent ensures owner/user schema exists. Oracle schemas are
// users; creating one requires DBA privileges this connector assumes the
// configured endpoint already has, so this only checks presence.
func (c *Connector) CreateSchemaIfAbsent(ctx context.Context, schema string) error {
	var exists int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ALL_USERS WHERE USERNAME = :1`, strings.ToUpper(schema)).Scan(&exists)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "oracle.CreateSchemaIfAbsent", err)
	}
	if exists == 0 {
		return rerr.Withf(rerr.ConfigError, "oracle.CreateSchemaIfAbsent",
			"schema/user %q does not exist and cannot be created without DBA privileges", schema)
	}
	return nil
}

// CreateTableIfAbsent converts src through the schema converter and issues
// CREATE TABLE if the table is not already present.
func (c *Connector) CreateTableIfAbsent(ctx context.Context, src model.SourceTableSchema, sourceKind model.Kind, targetSchema string) error {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ALL_TABLES WHERE OWNER = :1 AND TABLE_NAME = :2`,
		strings.ToUpper(targetSchema), strings.ToUpper(src.Table)).Scan(&count)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "oracle.CreateTableIfAbsent", err)
	}
	if count > 0 {
		return nil
	}

	target, warnings, err := schemaconvert.Convert(src, sourceKind, model.KindOracle)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "oracle.CreateTableIfAbsent", err)
	}
	for _, w := range warnings {
		c.log.Warnf("schema conversion for %s.%s.%s: %s", targetSchema, src.Table, w.Column, w.Detail)
	}

	var cols []string
	for _, col := range target.Columns {
		ddl := fmt.Sprintf("%s %s", col.Name, genericToOracleDDL(col.Type))
		if !col.Nullable {
			ddl += " NOT NULL"
		}
		cols = append(cols, ddl)
	}
	var pkClause string
	if len(target.PrimaryKey) > 0 {
		pkClause = fmt.Sprintf(", CONSTRAINT pk_%s PRIMARY KEY (%s)", strings.ToLower(src.Table), strings.Join(target.PrimaryKey, ", "))
	}
	cols = append(cols, "meta_create_timestamp TIMESTAMP DEFAULT SYSTIMESTAMP", "meta_update_timestamp TIMESTAMP DEFAULT SYSTIMESTAMP")

	stmt := fmt.Sprintf(`CREATE TABLE %s.%s (%s%s)`, targetSchema, src.Table, strings.Join(cols, ", "), pkClause)
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return rerr.New(rerr.TargetApplyError, "oracle.CreateTableIfAbsent", err)
	}
	return nil
}

// genericToOracleDDL renders the schema converter's generic type vocabulary
// into Oracle column DDL.
func genericToOracleDDL(generic string) string {
	name, args := splitTypeArgs(generic)
	switch {
	case strings.HasPrefix(name, "STRING"):
		if args != "" {
			return fmt.Sprintf("VARCHAR2(%s)", args)
		}
		return "VARCHAR2(4000)"
	case name == "TEXT":
		return "CLOB"
	case strings.HasPrefix(name, "DECIMAL"):
		if args != "" {
			return fmt.Sprintf("NUMBER(%s)", args)
		}
		return "NUMBER"
	case name == "INT16":
		return "NUMBER(5)"
	case name == "INT32":
		return "NUMBER(10)"
	case name == "INT64":
		return "NUMBER(19)"
	case name == "FLOAT32":
		return "BINARY_FLOAT"
	case name == "FLOAT64":
		return "BINARY_DOUBLE"
	case name == "BOOL":
		return "NUMBER(1)"
	case name == "BINARY":
		return "BLOB"
	case name == "JSON":
		return "CLOB"
	case strings.HasPrefix(name, "TIMESTAMP"):
		if strings.Contains(generic, "WITH TIME ZONE") {
			return "TIMESTAMP WITH TIME ZONE"
		}
		return "TIMESTAMP"
	case name == "INTERVAL":
		return "VARCHAR2(30)"
	default:
		return "VARCHAR2(4000)"
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

// ClearTable truncates; a missing table is a warning, not a failure.
func (c *Connector) ClearTable(ctx context.Context, schema, table string) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s.%s", schema, table))
	if err != nil {
		c.log.Warnf("ClearTable %s.%s: %v (continuing)", schema, table, err)
	}
	return nil
}

// WriteSnapshotChunk bulk-inserts rows in a single transaction, with
// columns derived from the first row.
func (c *Connector) WriteSnapshotChunk(ctx context.Context, schema, table string, rows model.RowBatch) error {
	if len(rows) == 0 {
		return nil
	}
	cols := columnOrder(rows[0])
	binds := make([]string, len(cols))
	for i := range cols {
		binds[i] = fmt.Sprintf(":%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)", schema, table, strings.Join(cols, ", "), strings.Join(binds, ", "))

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "oracle.WriteSnapshotChunk", err)
	}
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		tx.Rollback()
		return rerr.New(rerr.TargetApplyError, "oracle.WriteSnapshotChunk", err)
	}
	defer prepared.Close()

	for _, row := range rows {
		args := make([]any, len(cols))
		for i, col := range cols {
			args[i] = row[col]
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return rerr.New(rerr.TargetApplyError, "oracle.WriteSnapshotChunk", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return rerr.New(rerr.TargetApplyError, "oracle.WriteSnapshotChunk", err)
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

// ApplyChanges applies an ordered batch atomically within one transaction.
// mergeEnabled drives idempotent upsert via MERGE INTO ... USING ... FROM
// DUAL; otherwise inserts/updates/deletes are issued directly. Any DB error
// rolls back the whole batch. An event with no primary key or, for
// insert/update, no after-image, is skipped with a warning rather than
// failing the batch.
func (c *Connector) ApplyChanges(ctx context.Context, batch []model.ChangeEvent, targetSchema string, mergeEnabled bool) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "oracle.ApplyChanges", err)
	}

	for _, ev := range batch {
		if err := c.applyOne(ctx, tx, ev, targetSchema, mergeEnabled); err != nil {
			if err == errSkipEvent {
				continue
			}
			tx.Rollback()
			return rerr.New(rerr.TargetApplyError, "oracle.ApplyChanges", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return rerr.New(rerr.TargetApplyError, "oracle.ApplyChanges", err)
	}
	return nil
}

var errSkipEvent = fmt.Errorf("event skipped: missing required data")

func (c *Connector) applyOne(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string, mergeEnabled bool) error {
	if len(ev.PrimaryKeys) == 0 {
		c.log.Warnf("skipping %s on %s.%s: no primary key in event", ev.Operation, schema, ev.Table)
		return errSkipEvent
	}

	switch ev.Operation {
	case model.OpDelete:
		return c.applyDelete(ctx, tx, ev, schema)
	case model.OpInsert, model.OpUpdate:
		if len(ev.AfterData) == 0 {
			c.log.Warnf("skipping %s on %s.%s: no after-image", ev.Operation, schema, ev.Table)
			return errSkipEvent
		}
		if mergeEnabled {
			return c.applyMerge(ctx, tx, ev, schema)
		}
		if ev.Operation == model.OpInsert {
			return c.applyInsert(ctx, tx, ev, schema)
		}
		return c.applyUpdate(ctx, tx, ev, schema)
	default:
		return nil
	}
}

func (c *Connector) applyDelete(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string) error {
	where, args := whereFromKeys(ev.PrimaryKeys, 1)
	stmt := fmt.Sprintf("DELETE FROM %s.%s WHERE %s", schema, ev.Table, where)
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

func (c *Connector) applyInsert(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	binds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		binds[i] = fmt.Sprintf(":%d", i+1)
		args[i] = ev.AfterData[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)", schema, ev.Table, strings.Join(cols, ", "), strings.Join(binds, ", "))
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

func (c *Connector) applyUpdate(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	var setClauses []string
	var args []any
	n := 1
	for _, col := range cols {
		if _, isPK := ev.PrimaryKeys[col]; isPK {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = :%d", col, n))
		args = append(args, ev.AfterData[col])
		n++
	}
	setClauses = append(setClauses, "meta_update_timestamp = SYSTIMESTAMP")
	where, whereArgs := whereFromKeys(ev.PrimaryKeys, n)
	args = append(args, whereArgs...)
	stmt := fmt.Sprintf("UPDATE %s.%s SET %s WHERE %s",
		schema, ev.Table, strings.Join(setClauses, ", "), where)
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

// applyMerge issues an idempotent MERGE INTO ... USING (SELECT ... FROM
// DUAL) ON (primary key match) WHEN MATCHED THEN UPDATE WHEN NOT MATCHED
// THEN INSERT, keyed on primary keys, stamping meta_create_timestamp on
// insert and meta_update_timestamp on update.
func (c *Connector) applyMerge(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	n := 1
	var selectList []string
	var args []any
	colAlias := make(map[string]string, len(cols))
	for _, col := range cols {
		alias := fmt.Sprintf("c%d", n)
		colAlias[col] = alias
		selectList = append(selectList, fmt.Sprintf(":%d AS %s", n, alias))
		args = append(args, ev.AfterData[col])
		n++
	}

	var onClauses []string
	for _, pk := range primaryKeyOrder(ev.PrimaryKeys) {
		onClauses = append(onClauses, fmt.Sprintf("t.%s = s.%s", pk, colAlias[pk]))
	}
	if len(onClauses) == 0 {
		// Primary key columns not present in after-image column set
		// (can happen if only the key changed); fall back to the raw
		// key values directly in the USING clause.
		for _, pk := range primaryKeyOrder(ev.PrimaryKeys) {
			alias := fmt.Sprintf("pk%d", n)
			selectList = append(selectList, fmt.Sprintf(":%d AS %s", n, alias))
			args = append(args, ev.PrimaryKeys[pk])
			onClauses = append(onClauses, fmt.Sprintf("t.%s = s.%s", pk, alias))
			n++
		}
	}

	var updateClauses []string
	for _, col := range cols {
		if _, isPK := ev.PrimaryKeys[col]; isPK {
			continue
		}
		updateClauses = append(updateClauses, fmt.Sprintf("t.%s = s.%s", col, colAlias[col]))
	}
	updateClauses = append(updateClauses, "t.meta_update_timestamp = SYSTIMESTAMP")

	var insertCols, insertVals []string
	for _, col := range cols {
		insertCols = append(insertCols, col)
		insertVals = append(insertVals, "s."+colAlias[col])
	}
	insertCols = append(insertCols, "meta_create_timestamp", "meta_update_timestamp")
	insertVals = append(insertVals, "SYSTIMESTAMP", "SYSTIMESTAMP")

	stmt := fmt.Sprintf(`MERGE INTO %s.%s t
USING (SELECT %s FROM DUAL) s
ON (%s)
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
		schema, ev.Table,
		strings.Join(selectList, ", "),
		strings.Join(onClauses, " AND "),
		strings.Join(updateClauses, ", "),
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))

	_, err := tx.ExecContext(ctx, stmt, args...)
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
		clauses = append(clauses, fmt.Sprintf("%s = :%d", col, n))
		args = append(args, pk[col])
		n++
	}
	return strings.Join(clauses, " AND "), args
}
