// Package mysql implements the MySQL source and target connectors (C3/C4).
// Per the resolved Open Question in SPEC_FULL.md §9 ("no fabricated CDC
// data"), this connector fully supports snapshot-only tasks but its
// GetChanges returns a typed UnsupportedType error rather than a real or
// simulated binlog tail: a real implementation needs a binlog-protocol
// client (COM_REGISTER_SLAVE/COM_BINLOG_DUMP) the go-sql-driver/mysql
// connection does not expose, which is out of this hook's engineering
// budget. Grounded on the teacher's dbcapabilities CDC-mechanism table and
// pkg/anchor/adapter/interface.go's ReplicationSource shape.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/aelfazziki/replication-manager/internal/logger"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

var systemSchemas = map[string]bool{
	"information_schema": true, "mysql": true, "performance_schema": true, "sys": true,
}

// Connector implements connector.SourceConnector and connector.TargetConnector
// for MySQL.
type Connector struct {
	db  *sql.DB
	ep  model.Endpoint
	log *logger.Logger
}

func New(log *logger.Logger) *Connector {
	if log == nil {
		log = logger.New("mysql-connector")
	}
	return &Connector{log: log}
}

func dsn(ep model.Endpoint, password string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", ep.Username, password, ep.Host, ep.Port, ep.Database)
}

func (c *Connector) Connect(ctx context.Context, ep model.Endpoint) error {
	if ep.Host == "" || ep.Username == "" {
		return rerr.Withf(rerr.ConnectError, "mysql.Connect", "missing required endpoint option (host/username)")
	}

	db, err := sql.Open("mysql", dsn(ep, ep.Password))
	if err != nil {
		return rerr.New(rerr.ConnectError, "mysql.Connect", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return rerr.New(rerr.ConnectError, "mysql.Connect", err)
	}

	c.db = db
	c.ep = ep
	return nil
}

func (c *Connector) Disconnect() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// CurrentPosition issues SHOW MASTER STATUS, the binlog coordinate used as
// this connector's Position even though GetChanges cannot yet tail from
// it; current_position is needed regardless for the snapshot phase's
// pre_load_position capture.
func (c *Connector) CurrentPosition(ctx context.Context) (model.Position, error) {
	row := c.db.QueryRowContext(ctx, `SHOW MASTER STATUS`)
	var file string
	var pos uint32
	var binlogDoDB, binlogIgnoreDB, executedGtidSet sql.NullString
	if err := row.Scan(&file, &pos, &binlogDoDB, &binlogIgnoreDB, &executedGtidSet); err != nil {
		if err == sql.ErrNoRows {
			// Binary logging disabled; snapshot-only tasks remain valid.
			return model.MySQLBinlog("", 0), nil
		}
		return model.Position{}, rerr.New(rerr.SourceTransient, "mysql.CurrentPosition", err)
	}
	return model.MySQLBinlog(file, pos), nil
}

func (c *Connector) ListSchemasAndTables(ctx context.Context) (map[string][]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, rerr.New(rerr.SourceTransient, "mysql.ListSchemasAndTables", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, rerr.New(rerr.SourceTransient, "mysql.ListSchemasAndTables", err)
		}
		if systemSchemas[strings.ToLower(schema)] {
			continue
		}
		out[schema] = append(out[schema], table)
	}
	return out, rows.Err()
}

func (c *Connector) GetTableSchema(ctx context.Context, schema, table string) (model.SourceTableSchema, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT
			col.COLUMN_NAME,
			col.DATA_TYPE,
			col.CHARACTER_MAXIMUM_LENGTH,
			col.NUMERIC_PRECISION,
			col.NUMERIC_SCALE,
			col.IS_NULLABLE,
			col.COLUMN_KEY = 'PRI' AS IS_PK
		FROM information_schema.columns col
		WHERE col.TABLE_SCHEMA = ? AND col.TABLE_NAME = ?
		ORDER BY col.ORDINAL_POSITION`, schema, table)
	if err != nil {
		return model.SourceTableSchema{}, rerr.New(rerr.SourceTransient, "mysql.GetTableSchema", err)
	}
	defer rows.Close()

	def := model.SourceTableSchema{Schema: schema, Table: table}
	for rows.Next() {
		var name, dataType, nullable string
		var length, precision, scale *int
		var isPK bool
		if err := rows.Scan(&name, &dataType, &length, &precision, &scale, &nullable, &isPK); err != nil {
			return model.SourceTableSchema{}, rerr.New(rerr.SourceTransient, "mysql.GetTableSchema", err)
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
		return model.SourceTableSchema{}, rerr.New(rerr.SourceTransient, "mysql.GetTableSchema", err)
	}
	if len(def.Columns) == 0 {
		return model.SourceTableSchema{}, rerr.Withf(rerr.NoSuchTable, "mysql.GetTableSchema", "table %s.%s not found", schema, table)
	}
	return def, nil
}

// GetChanges is intentionally unimplemented beyond returning a typed
// error: see the package doc comment.
func (c *Connector) GetChanges(ctx context.Context, lastPosition model.Position) ([]model.ChangeEvent, model.Position, error) {
	return nil, lastPosition, rerr.Withf(rerr.UnsupportedType, "mysql.GetChanges",
		"binlog tailing is not implemented for this hook; snapshot-only tasks are supported")
}
