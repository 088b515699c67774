package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
	"github.com/aelfazziki/replication-manager/internal/schemaconvert"
)

func (c *Connector) CreateSchemaIfAbsent(ctx context.Context, schema string) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", schema))
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "mysql.CreateSchemaIfAbsent", err)
	}
	return nil
}

func (c *Connector) CreateTableIfAbsent(ctx context.Context, src model.SourceTableSchema, sourceKind model.Kind, targetSchema string) error {
	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`,
		targetSchema, src.Table).Scan(&exists)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "mysql.CreateTableIfAbsent", err)
	}
	if exists > 0 {
		return nil
	}

	target, warnings, err := schemaconvert.Convert(src, sourceKind, model.KindMySQL)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "mysql.CreateTableIfAbsent", err)
	}
	for _, w := range warnings {
		c.log.Warnf("schema conversion for %s.%s.%s: %s", targetSchema, src.Table, w.Column, w.Detail)
	}

	var cols []string
	for _, col := range target.Columns {
		ddl := fmt.Sprintf("`%s` %s", col.Name, genericToMySQLDDL(col.Type))
		if !col.Nullable {
			ddl += " NOT NULL"
		}
		cols = append(cols, ddl)
	}
	var pkClause string
	if len(target.PrimaryKey) > 0 {
		pkClause = fmt.Sprintf(", PRIMARY KEY (%s)", backtickJoin(target.PrimaryKey))
	}
	cols = append(cols, "`meta_create_timestamp` TIMESTAMP DEFAULT CURRENT_TIMESTAMP", "`meta_update_timestamp` TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP")

	stmt := fmt.Sprintf("CREATE TABLE `%s`.`%s` (%s%s)", targetSchema, src.Table, strings.Join(cols, ", "), pkClause)
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return rerr.New(rerr.TargetApplyError, "mysql.CreateTableIfAbsent", err)
	}
	return nil
}

func backtickJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
	}
	return strings.Join(quoted, ", ")
}

func genericToMySQLDDL(generic string) string {
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
			return fmt.Sprintf("DECIMAL(%s)", args)
		}
		return "DECIMAL"
	case name == "INT16":
		return "SMALLINT"
	case name == "INT32":
		return "INT"
	case name == "INT64":
		return "BIGINT"
	case name == "FLOAT32":
		return "FLOAT"
	case name == "FLOAT64":
		return "DOUBLE"
	case name == "BOOL":
		return "TINYINT(1)"
	case name == "BINARY":
		return "BLOB"
	case name == "JSON":
		return "JSON"
	case strings.HasPrefix(name, "TIMESTAMP"):
		return "DATETIME"
	case name == "INTERVAL":
		return "VARCHAR(30)"
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
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s`.`%s`", schema, table))
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
	binds := make([]string, len(cols))
	for i := range binds {
		binds[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO `%s`.`%s` (%s) VALUES (%s)", schema, table, backtickJoin(cols), strings.Join(binds, ", "))

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "mysql.WriteSnapshotChunk", err)
	}
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		tx.Rollback()
		return rerr.New(rerr.TargetApplyError, "mysql.WriteSnapshotChunk", err)
	}
	defer prepared.Close()

	for _, row := range rows {
		args := make([]any, len(cols))
		for i, col := range cols {
			args[i] = row[col]
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return rerr.New(rerr.TargetApplyError, "mysql.WriteSnapshotChunk", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return rerr.New(rerr.TargetApplyError, "mysql.WriteSnapshotChunk", err)
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
// INSERT ... ON DUPLICATE KEY UPDATE; otherwise plain INSERT/UPDATE/
// DELETE. Binds use ? per the MySQL driver convention.
func (c *Connector) ApplyChanges(ctx context.Context, batch []model.ChangeEvent, targetSchema string, mergeEnabled bool) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "mysql.ApplyChanges", err)
	}

	for _, ev := range batch {
		if err := c.applyOne(ctx, tx, ev, targetSchema, mergeEnabled); err != nil {
			if err == errSkipEvent {
				continue
			}
			tx.Rollback()
			return rerr.New(rerr.TargetApplyError, "mysql.ApplyChanges", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return rerr.New(rerr.TargetApplyError, "mysql.ApplyChanges", err)
	}
	return nil
}

func (c *Connector) applyOne(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string, mergeEnabled bool) error {
	if len(ev.PrimaryKeys) == 0 {
		c.log.Warnf("skipping %s on %s.%s: no primary key in event", ev.Operation, schema, ev.Table)
		return errSkipEvent
	}

	switch ev.Operation {
	case model.OpDelete:
		where, args := whereFromKeys(ev.PrimaryKeys)
		_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s`.`%s` WHERE %s", schema, ev.Table, where), args...)
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

func (c *Connector) applyInsert(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	binds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		binds[i] = "?"
		args[i] = ev.AfterData[col]
	}
	stmt := fmt.Sprintf("INSERT INTO `%s`.`%s` (%s) VALUES (%s)", schema, ev.Table, backtickJoin(cols), strings.Join(binds, ", "))
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

func (c *Connector) applyUpdate(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	var setClauses []string
	var args []any
	for _, col := range cols {
		if _, isPK := ev.PrimaryKeys[col]; isPK {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("`%s` = ?", col))
		args = append(args, ev.AfterData[col])
	}
	setClauses = append(setClauses, "`meta_update_timestamp` = CURRENT_TIMESTAMP")
	where, whereArgs := whereFromKeys(ev.PrimaryKeys)
	args = append(args, whereArgs...)
	stmt := fmt.Sprintf("UPDATE `%s`.`%s` SET %s WHERE %s",
		schema, ev.Table, strings.Join(setClauses, ", "), where)
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

func (c *Connector) applyUpsert(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent, schema string) error {
	cols := columnOrder(ev.AfterData)
	binds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		binds[i] = "?"
		args[i] = ev.AfterData[col]
	}

	var updateClauses []string
	for _, col := range cols {
		if _, isPK := ev.PrimaryKeys[col]; isPK {
			continue
		}
		updateClauses = append(updateClauses, fmt.Sprintf("`%s` = VALUES(`%s`)", col, col))
	}
	updateClauses = append(updateClauses, "`meta_update_timestamp` = CURRENT_TIMESTAMP")

	stmt := fmt.Sprintf("INSERT INTO `%s`.`%s` (%s, `meta_create_timestamp`, `meta_update_timestamp`) VALUES (%s, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP) ON DUPLICATE KEY UPDATE %s",
		schema, ev.Table, backtickJoin(cols), strings.Join(binds, ", "), strings.Join(updateClauses, ", "))

	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

func whereFromKeys(pk map[string]any) (string, []any) {
	var clauses []string
	var args []any
	for col, val := range pk {
		clauses = append(clauses, fmt.Sprintf("`%s` = ?", col))
		args = append(args, val)
	}
	return strings.Join(clauses, " AND "), args
}
