// Package postgres implements the PostgreSQL logical-replication source
// hook and a plain-SQL target connector (C3/C4), grounded on the teacher's
// services/anchor/internal/database/postgres/replication.go slot/
// publication auto-naming and pkg/anchor/adapter's ReplicationSource
// shape, using pgx/v5's pgxpool for snapshot/metadata work and
// jackc/pglogrepl + the underlying pgconn replication connection for the
// tail.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aelfazziki/replication-manager/internal/logger"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

var systemSchemas = map[string]bool{
	"pg_catalog": true, "information_schema": true, "pg_toast": true,
}

// Connector implements connector.SourceConnector and connector.TargetConnector
// for PostgreSQL. The pool handles ordinary SQL (metadata, snapshot, plain
// DML); replConn is a dedicated physical connection opened with
// replication=database, used only for the logical replication tail.
type Connector struct {
	pool     *pgxpool.Pool
	replConn *pgconn.PgConn
	ep       model.Endpoint
	log      *logger.Logger

	slotName        string
	publicationName string
	relations       map[uint32]*pglogrepl.RelationMessageV2
	lastLSN         pglogrepl.LSN
	streamStarted   bool
}

// New constructs an unconnected Connector.
func New(log *logger.Logger) *Connector {
	if log == nil {
		log = logger.New("postgres-connector")
	}
	return &Connector{log: log, relations: make(map[uint32]*pglogrepl.RelationMessageV2)}
}

func connString(ep model.Endpoint, password string, replication bool) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=prefer",
		ep.Host, ep.Port, ep.Username, password, ep.Database)
	if replication {
		dsn += " replication=database"
	}
	return dsn
}

// sanitize mirrors the teacher's slot/publication naming helper:
// lower-case, non-alphanumeric runs collapsed to underscore.
func sanitize(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

func (c *Connector) Connect(ctx context.Context, ep model.Endpoint) error {
	if ep.Host == "" || ep.Username == "" {
		return rerr.Withf(rerr.ConnectError, "postgres.Connect", "missing required endpoint option (host/username)")
	}

	poolCfg, err := pgxpool.ParseConfig(connString(ep, ep.Password, false))
	if err != nil {
		return rerr.New(rerr.ConnectError, "postgres.Connect", err)
	}
	poolCfg.MaxConns = 5

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return rerr.New(rerr.ConnectError, "postgres.Connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return rerr.New(rerr.ConnectError, "postgres.Connect", err)
	}

	c.pool = pool
	c.ep = ep
	c.slotName = "repl_" + sanitize(ep.Database) + "_" + sanitize(ep.ID)
	c.publicationName = "pub_" + sanitize(ep.Database) + "_" + sanitize(ep.ID)
	return nil
}

// connectReplication lazily opens the dedicated replication-mode
// connection used only by GetChanges.
func (c *Connector) connectReplication(ctx context.Context) error {
	if c.replConn != nil {
		return nil
	}
	cfg, err := pgconn.ParseConfig(connString(c.ep, c.ep.Password, true))
	if err != nil {
		return err
	}
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	c.replConn = conn
	return nil
}

func (c *Connector) Disconnect() error {
	if c.replConn != nil {
		_ = c.replConn.Close(context.Background())
		c.replConn = nil
	}
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}
