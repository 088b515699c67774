package bigquery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
	"github.com/aelfazziki/replication-manager/internal/schemaconvert"
)

// CreateSchemaIfAbsent creates the dataset if it does not already exist.
// "schema" is the dataset ID; the project is fixed at Connect time.
func (c *Connector) CreateSchemaIfAbsent(ctx context.Context, schema string) error {
	ds := c.client.DatasetInProject(c.project, schema)
	_, err := ds.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !isNotFoundError(err) {
		return rerr.New(rerr.TargetApplyError, "bigquery.CreateSchemaIfAbsent", err)
	}
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{}); err != nil {
		return rerr.New(rerr.TargetApplyError, "bigquery.CreateSchemaIfAbsent", err)
	}
	return nil
}

func (c *Connector) CreateTableIfAbsent(ctx context.Context, src model.SourceTableSchema, sourceKind model.Kind, targetSchema string) error {
	tbl := c.client.DatasetInProject(c.project, targetSchema).Table(src.Table)
	if _, err := tbl.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFoundError(err) {
		return rerr.New(rerr.TargetApplyError, "bigquery.CreateTableIfAbsent", err)
	}

	target, warnings, err := schemaconvert.Convert(src, sourceKind, model.KindBigQuery)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "bigquery.CreateTableIfAbsent", err)
	}
	for _, w := range warnings {
		c.log.Warnf("schema conversion for %s.%s.%s: %s", targetSchema, src.Table, w.Column, w.Detail)
	}

	var fields bigquery.Schema
	for _, col := range target.Columns {
		fields = append(fields, &bigquery.FieldSchema{
			Name:     col.Name,
			Type:     genericToBigQueryType(col.Type),
			Required: !col.Nullable,
		})
	}
	fields = append(fields,
		&bigquery.FieldSchema{Name: "meta_create_timestamp", Type: bigquery.TimestampFieldType},
		&bigquery.FieldSchema{Name: "meta_update_timestamp", Type: bigquery.TimestampFieldType},
	)

	if err := tbl.Create(ctx, &bigquery.TableMetadata{Schema: fields}); err != nil {
		return rerr.New(rerr.TargetApplyError, "bigquery.CreateTableIfAbsent", err)
	}
	return nil
}

func genericToBigQueryType(generic string) bigquery.FieldType {
	name, _ := splitTypeArgs(generic)
	switch {
	case strings.HasPrefix(name, "STRING"), name == "TEXT", name == "INTERVAL":
		return bigquery.StringFieldType
	case strings.HasPrefix(name, "DECIMAL"):
		return bigquery.NumericFieldType
	case name == "INT16", name == "INT32", name == "INT64":
		return bigquery.IntegerFieldType
	case name == "FLOAT32", name == "FLOAT64":
		return bigquery.FloatFieldType
	case name == "BOOL":
		return bigquery.BooleanFieldType
	case name == "BINARY":
		return bigquery.BytesFieldType
	case name == "JSON":
		return bigquery.JSONFieldType
	case strings.HasPrefix(name, "TIMESTAMP"):
		return bigquery.TimestampFieldType
	default:
		return bigquery.StringFieldType
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

// ClearTable deletes every row. BigQuery DML against a just-loaded table is
// subject to a streaming-buffer delay; a missing table is a no-op with a
// warning, matching the contract shared with the other target connectors.
func (c *Connector) ClearTable(ctx context.Context, schema, table string) error {
	q := c.client.Query(fmt.Sprintf("DELETE FROM `%s.%s.%s` WHERE TRUE", c.project, schema, table))
	job, err := q.Run(ctx)
	if err != nil {
		c.log.Warnf("ClearTable %s.%s: %v (continuing)", schema, table, err)
		return nil
	}
	status, err := job.Wait(ctx)
	if err != nil || (status != nil && status.Err() != nil) {
		c.log.Warnf("ClearTable %s.%s: job error (continuing)", schema, table)
	}
	return nil
}

// WriteSnapshotChunk loads rows via the streaming inserter. A load job
// would be cheaper for very large snapshots but requires a staged file;
// the inserter keeps the connector's surface symmetric with the other
// target connectors' direct-write path.
func (c *Connector) WriteSnapshotChunk(ctx context.Context, schema, table string, rows model.RowBatch) error {
	if len(rows) == 0 {
		return nil
	}
	inserter := c.client.DatasetInProject(c.project, schema).Table(table).Inserter()

	now := nowStamp()
	savers := make([]*bigquery.ValuesSaver, 0, len(rows))
	meta, err := c.client.DatasetInProject(c.project, schema).Table(table).Metadata(ctx)
	if err != nil {
		return rerr.New(rerr.TargetApplyError, "bigquery.WriteSnapshotChunk", err)
	}

	for _, row := range rows {
		vals := make([]bigquery.Value, len(meta.Schema))
		for i, f := range meta.Schema {
			switch f.Name {
			case "meta_create_timestamp", "meta_update_timestamp":
				vals[i] = now
			default:
				vals[i] = row[f.Name]
			}
		}
		savers = append(savers, &bigquery.ValuesSaver{Schema: meta.Schema, Row: vals})
	}

	if err := inserter.Put(ctx, savers); err != nil {
		return rerr.New(rerr.TargetApplyError, "bigquery.WriteSnapshotChunk", err)
	}
	return nil
}

func nowStamp() time.Time { return time.Now().UTC() }

// ApplyChanges realizes idempotent upsert as delete-then-insert per event,
// since BigQuery has no row-level UPDATE-on-conflict primitive. Each
// event runs as its own DML jobs (a delete, then for insert/update an
// insert) rather than one batched transaction; BigQuery has no
// cross-statement transaction scope for DML outside of multi-statement
// scripts, so neither the batch nor an event's delete/insert pair is atomic.
func (c *Connector) ApplyChanges(ctx context.Context, batch []model.ChangeEvent, targetSchema string, mergeEnabled bool) error {
	for _, ev := range batch {
		if err := c.applyOne(ctx, ev, targetSchema); err != nil {
			return rerr.New(rerr.TargetApplyError, "bigquery.ApplyChanges", err)
		}
	}
	return nil
}

func (c *Connector) applyOne(ctx context.Context, ev model.ChangeEvent, schema string) error {
	if len(ev.PrimaryKeys) == 0 {
		c.log.Warnf("skipping %s on %s.%s: no primary key in event", ev.Operation, schema, ev.Table)
		return nil
	}

	if ev.Operation != model.OpDelete && len(ev.AfterData) == 0 {
		c.log.Warnf("skipping %s on %s.%s: no after-image", ev.Operation, schema, ev.Table)
		return nil
	}
	if err := c.runDML(ctx, deleteByKeysSQL(c.project, schema, ev.Table, ev.PrimaryKeys)); err != nil {
		return err
	}
	if ev.Operation == model.OpDelete {
		return nil
	}
	return c.runDML(ctx, insertRowSQL(c.project, schema, ev.Table, ev.AfterData))
}

func (c *Connector) runDML(ctx context.Context, sql string) error {
	job, err := c.client.Query(sql).Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	if status.Err() != nil {
		return status.Err()
	}
	return nil
}

func deleteByKeysSQL(project, schema, table string, pk map[string]any) string {
	var clauses []string
	for col, val := range pk {
		clauses = append(clauses, fmt.Sprintf("%s = %s", col, literalValue(val)))
	}
	return fmt.Sprintf("DELETE FROM `%s.%s.%s` WHERE %s", project, schema, table, strings.Join(clauses, " AND "))
}

func insertRowSQL(project, schema, table string, row map[string]any) string {
	cols := make([]string, 0, len(row)+2)
	vals := make([]string, 0, len(row)+2)
	for col, val := range row {
		cols = append(cols, col)
		vals = append(vals, literalValue(val))
	}
	cols = append(cols, "meta_create_timestamp", "meta_update_timestamp")
	vals = append(vals, "CURRENT_TIMESTAMP()", "CURRENT_TIMESTAMP()")
	return fmt.Sprintf("INSERT INTO `%s.%s.%s` (%s) VALUES (%s)", project, schema, table, strings.Join(cols, ", "), strings.Join(vals, ", "))
}

// literalValue renders a Go value as a BigQuery Standard SQL literal.
// DML here never touches user-supplied SQL text, only values already
// decoded by the source connector, so this is a value encoder, not an
// injection-prone string template.
func literalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "\\'") + "'"
	case bool:
		return strconv.FormatBool(x)
	case int, int32, int64:
		return fmt.Sprintf("%d", x)
	case float32, float64:
		return fmt.Sprintf("%v", x)
	case time.Time:
		return "TIMESTAMP '" + x.UTC().Format("2006-01-02 15:04:05.999999") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", x), "'", "\\'") + "'"
	}
}
