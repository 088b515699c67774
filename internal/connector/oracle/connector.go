// Package oracle implements the Oracle LogMiner source connector and the
// Oracle target connector (C3/C4), grounded on the teacher's
// services/anchor/internal/database/oracle package: adapter.go's
// connection lifecycle and pool settings, replication_ops.go's LogMiner
// session management, data_ops.go's bind-variable and MERGE conventions,
// and schema_ops.go's USER_TAB_COLUMNS discovery query.
package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/godror/godror"

	"github.com/aelfazziki/replication-manager/internal/logger"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// systemSchemas lists Oracle-owned schemas excluded from
// list_schemas_and_tables, per §4.2.
var systemSchemas = map[string]bool{
	"SYS": true, "SYSTEM": true, "XDB": true, "AUDSYS": true,
	"OUTLN": true, "DBSNMP": true, "APPQOSSYS": true, "GSMADMIN_INTERNAL": true,
	"CTXSYS": true, "MDSYS": true, "OLAPSYS": true, "ORDSYS": true,
	"ORDDATA": true, "WMSYS": true, "LBACSYS": true, "DVSYS": true,
}

// connState is the LogMiner source connector's own state machine (§4.2.2):
// Disconnected -> Connected -> {Idle, MiningSession, Failed}.
type connState int

const (
	stateDisconnected connState = iota
	stateIdle
	stateMining
	stateFailed
)

// Connector implements connector.SourceConnector and connector.TargetConnector
// for Oracle. A single value owns one *sql.DB and, while a LogMiner
// session is open, the session's registered SCN window.
type Connector struct {
	db    *sql.DB
	ep    model.Endpoint
	log   *logger.Logger
	state connState

	// miningWindow tracks the SCN range registered with DBMS_LOGMNR for
	// the in-progress or most recent session, used for diagnostics.
	miningWindowStart uint64
	miningWindowEnd   uint64
}

// New constructs an unconnected Connector. log may be nil, in which case a
// logger named "oracle-connector" writing to stderr is used.
func New(log *logger.Logger) *Connector {
	if log == nil {
		log = logger.New("oracle-connector")
	}
	return &Connector{log: log, state: stateDisconnected}
}

func connStr(ep model.Endpoint, password string) string {
	service := ep.ServiceName
	if service == "" {
		service = ep.Database
	}
	return fmt.Sprintf("%s/%s@%s:%d/%s", ep.Username, password, ep.Host, ep.Port, service)
}

// Connect opens the session per §4.2 connect(config): fails with
// ConnectError on bad credentials, unreachable host, or missing required
// option.
func (c *Connector) Connect(ctx context.Context, ep model.Endpoint) error {
	if ep.Host == "" || ep.Username == "" {
		return rerr.Withf(rerr.ConnectError, "oracle.Connect", "missing required endpoint option (host/username)")
	}

	db, err := sql.Open("godror", connStr(ep, ep.Password))
	if err != nil {
		return rerr.New(rerr.ConnectError, "oracle.Connect", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return rerr.New(rerr.ConnectError, "oracle.Connect", err)
	}

	c.db = db
	c.ep = ep
	c.state = stateIdle
	return nil
}

// Disconnect is idempotent and releases all acquired server resources,
// including ending any live LogMiner session, even after a failed
// Connect.
func (c *Connector) Disconnect() error {
	if c.state == stateMining {
		_ = c.stopLogMiner(context.Background())
	}
	c.state = stateDisconnected
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
