// Package postgres implements the Task Repository (C7) against a
// PostgreSQL control-plane database, using lib/pq in the teacher's
// style (plain database/sql, no ORM). Row shapes follow the original's
// SQLAlchemy Endpoint/Task models: see SPEC_FULL.md's "Supplemented:
// persisted row shapes".
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// Repository is a TaskRepository backed by two tables:
//
//	endpoint (id, name, kind, role, host, port, username, password,
//	          database, service_name, dataset, credentials_json,
//	          target_schema, options)
//	replication_task (id, name, source_id, destination_id, tables,
//	          initial_load, create_tables, merge_enabled,
//	          last_position, status, metrics, running_task_id)
type Repository struct {
	db *sql.DB
}

// Open connects to a control-plane Postgres database at dsn.
func Open(dsn string) (*Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, rerr.New(rerr.ConnectError, "postgres.Open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, rerr.New(rerr.ConnectError, "postgres.Open", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) LoadTask(ctx context.Context, taskID string) (model.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, source_id, destination_id, tables,
		       initial_load, create_tables, merge_enabled,
		       last_position, status, metrics, running_task_id
		FROM replication_task WHERE id = $1`, taskID)

	var t model.Task
	var tablesJSON, lastPositionJSON, metricsJSON []byte
	var runningTaskID sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.SourceID, &t.DestinationID, &tablesJSON,
		&t.InitialLoad, &t.CreateTables, &t.MergeEnabled,
		&lastPositionJSON, &t.Status, &metricsJSON, &runningTaskID)
	if err == sql.ErrNoRows {
		return model.Task{}, rerr.Withf(rerr.ConfigError, "postgres.LoadTask", "task %q not found", taskID)
	}
	if err != nil {
		return model.Task{}, rerr.New(rerr.ConnectError, "postgres.LoadTask", err)
	}

	if len(tablesJSON) > 0 {
		if err := json.Unmarshal(tablesJSON, &t.Tables); err != nil {
			return model.Task{}, rerr.New(rerr.ConfigError, "postgres.LoadTask", err)
		}
	}
	if len(lastPositionJSON) > 0 {
		if err := json.Unmarshal(lastPositionJSON, &t.LastPosition); err != nil {
			return model.Task{}, rerr.New(rerr.ConfigError, "postgres.LoadTask", err)
		}
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &t.Metrics); err != nil {
			return model.Task{}, rerr.New(rerr.ConfigError, "postgres.LoadTask", err)
		}
	}
	t.RunningTaskID = runningTaskID.String
	return t, nil
}

func (r *Repository) LoadEndpoint(ctx context.Context, endpointID string) (model.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, kind, role, host, port, username, password,
		       database, service_name, dataset, credentials_json,
		       target_schema, options
		FROM endpoint WHERE id = $1`, endpointID)

	var ep model.Endpoint
	var kind, role string
	var optionsJSON []byte
	var serviceName, dataset, credsJSON, targetSchema sql.NullString
	err := row.Scan(&ep.ID, &ep.Name, &kind, &role, &ep.Host, &ep.Port, &ep.Username, &ep.Password,
		&ep.Database, &serviceName, &dataset, &credsJSON, &targetSchema, &optionsJSON)
	if err == sql.ErrNoRows {
		return model.Endpoint{}, rerr.Withf(rerr.ConfigError, "postgres.LoadEndpoint", "endpoint %q not found", endpointID)
	}
	if err != nil {
		return model.Endpoint{}, rerr.New(rerr.ConnectError, "postgres.LoadEndpoint", err)
	}

	ep.Kind = model.Kind(kind)
	ep.Role = model.Role(role)
	ep.ServiceName = serviceName.String
	ep.Dataset = dataset.String
	ep.CredentialsJSON = credsJSON.String
	ep.TargetSchema = targetSchema.String
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &ep.Options); err != nil {
			return model.Endpoint{}, rerr.New(rerr.ConfigError, "postgres.LoadEndpoint", err)
		}
	}
	return ep, nil
}

func (r *Repository) SaveStatus(ctx context.Context, taskID string, status model.Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE replication_task SET status = $1 WHERE id = $2`, status, taskID)
	if err != nil {
		return rerr.New(rerr.ConnectError, "postgres.SaveStatus", err)
	}
	return checkOneRowAffected(res, "postgres.SaveStatus", taskID)
}

// SaveProgress writes position and metrics in a single statement, per the
// invariant that neither is ever observed stale relative to the other.
func (r *Repository) SaveProgress(ctx context.Context, taskID string, pos model.Position, metrics model.Metrics) error {
	posJSON, err := json.Marshal(pos)
	if err != nil {
		return rerr.New(rerr.ConfigError, "postgres.SaveProgress", err)
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return rerr.New(rerr.ConfigError, "postgres.SaveProgress", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE replication_task SET last_position = $1, metrics = $2 WHERE id = $3`,
		posJSON, metricsJSON, taskID)
	if err != nil {
		return rerr.New(rerr.ConnectError, "postgres.SaveProgress", err)
	}
	return checkOneRowAffected(res, "postgres.SaveProgress", taskID)
}

func (r *Repository) BeginRun(ctx context.Context, taskID, runningTaskID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE replication_task SET status = $1, running_task_id = $2 WHERE id = $3`,
		model.StatusPending, runningTaskID, taskID)
	if err != nil {
		return rerr.New(rerr.ConnectError, "postgres.BeginRun", err)
	}
	return checkOneRowAffected(res, "postgres.BeginRun", taskID)
}

func (r *Repository) PrepareReload(ctx context.Context, taskID string, pos model.Position) error {
	posJSON, err := json.Marshal(pos)
	if err != nil {
		return rerr.New(rerr.ConfigError, "postgres.PrepareReload", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE replication_task SET last_position = $1, initial_load = true WHERE id = $2`,
		posJSON, taskID)
	if err != nil {
		return rerr.New(rerr.ConnectError, "postgres.PrepareReload", err)
	}
	return checkOneRowAffected(res, "postgres.PrepareReload", taskID)
}

func checkOneRowAffected(res sql.Result, op, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return rerr.New(rerr.ConnectError, op, err)
	}
	if n == 0 {
		return rerr.Withf(rerr.ConfigError, op, "task %q not found", taskID)
	}
	return nil
}
