// Package bigquery implements the target-only BigQuery connector (C4).
// BigQuery has no native UPSERT or row-level primary-key constraint, so
// the idempotent-apply contract is realized as a delete-then-insert pair
// of DML jobs per event rather than a MERGE statement, and snapshot writes
// go through the streaming inserter rather than INSERT DML. Grounded on the teacher's
// cloud.google.com/go/bigquery usage pattern for batch loads and
// pkg/anchor/adapter/interface.go's Connection lifecycle shape.
package bigquery

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"

	"github.com/aelfazziki/replication-manager/internal/logger"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// Connector implements connector.TargetConnector for BigQuery. It is
// target-only: BigQuery never appears as a source kind in this core.
type Connector struct {
	client  *bigquery.Client
	project string
	dataset string
	ep      model.Endpoint
	log     *logger.Logger
}

func New(log *logger.Logger) *Connector {
	if log == nil {
		log = logger.New("bigquery-connector")
	}
	return &Connector{log: log}
}

// Connect opens a client from the endpoint's service-account credentials
// JSON. Host/Port are unused for BigQuery; Database carries the GCP
// project ID and Dataset the target dataset name.
func (c *Connector) Connect(ctx context.Context, ep model.Endpoint) error {
	if ep.Database == "" || ep.Dataset == "" {
		return rerr.Withf(rerr.ConnectError, "bigquery.Connect", "missing required endpoint option (database=project_id, dataset)")
	}
	if ep.CredentialsJSON == "" {
		return rerr.Withf(rerr.ConnectError, "bigquery.Connect", "missing credentials_json")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := bigquery.NewClient(ctx, ep.Database, option.WithCredentialsJSON([]byte(ep.CredentialsJSON)))
	if err != nil {
		return rerr.New(rerr.ConnectError, "bigquery.Connect", err)
	}

	c.client = client
	c.project = ep.Database
	c.dataset = ep.Dataset
	c.ep = ep
	return nil
}

func (c *Connector) Disconnect() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Connector) datasetRef() *bigquery.Dataset {
	return c.client.DatasetInProject(c.project, c.dataset)
}

func (c *Connector) tableRef(table string) *bigquery.Table {
	return c.datasetRef().Table(table)
}

// isNotFoundError reports whether err is a BigQuery "404 / not found" API
// error, used to distinguish "table doesn't exist yet" from real failures
// since the Go client does not expose a typed not-found sentinel for
// metadata calls.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "notFound") || strings.Contains(err.Error(), "404")
}
