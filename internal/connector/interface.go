// Package connector defines the Source and Target connector capability
// sets consumed by the Task Executor (C3/C4), and a kind-keyed registry of
// factories for constructing them — the Go realization of the spec's
// "abstract-class connectors... factory functions keyed by endpoint kind"
// redesign note. Grounded on pkg/anchor/adapter/interface.go's
// DatabaseAdapter/Connection/ReplicationOperator shapes and
// pkg/anchor/adapter/registry.go's Registry.
package connector

import (
	"context"

	"github.com/aelfazziki/replication-manager/internal/model"
)

// SnapshotStream is an explicit open/next/close resource over a finite,
// non-restartable sequence of row batches, replacing the source
// language's lazy generator with implicit cleanup. The caller guarantees
// Close on every exit path, including early termination.
type SnapshotStream interface {
	// Next returns the next row batch, or io.EOF when exhausted.
	Next(ctx context.Context) (model.RowBatch, error)
	Close() error
}

// SourceConnector is the capability set of C3. All calls are
// single-threaded from a single executor; implementations need not be
// goroutine-safe across calls.
type SourceConnector interface {
	Connect(ctx context.Context, ep model.Endpoint) error
	Disconnect() error

	CurrentPosition(ctx context.Context) (model.Position, error)

	// ListSchemasAndTables returns a map of schema name to table names,
	// filtered of vendor system schemas.
	ListSchemasAndTables(ctx context.Context) (map[string][]string, error)

	GetTableSchema(ctx context.Context, schema, table string) (model.SourceTableSchema, error)

	// SnapshotChunks opens a paginated, deterministic row stream over a
	// table, chunkSize rows per batch.
	SnapshotChunks(ctx context.Context, schema, table string, chunkSize int) (SnapshotStream, error)

	// GetChanges tails the redo/WAL from lastPosition (exclusive),
	// returning events ordered by position ascending and the new
	// position to resume from. Returns (nil, lastPosition, nil) when no
	// changes are available; never blocks indefinitely.
	GetChanges(ctx context.Context, lastPosition model.Position) ([]model.ChangeEvent, model.Position, error)
}

// TargetConnector is the capability set of C4.
type TargetConnector interface {
	Connect(ctx context.Context, ep model.Endpoint) error
	Disconnect() error

	CreateSchemaIfAbsent(ctx context.Context, schema string) error

	// CreateTableIfAbsent issues dialect-appropriate DDL for src, already
	// passed through the schema converter internally. No-op if the table
	// exists.
	CreateTableIfAbsent(ctx context.Context, src model.SourceTableSchema, sourceKind model.Kind, targetSchema string) error

	// ClearTable removes all rows. A missing table is a no-op with a
	// warning, never a failure.
	ClearTable(ctx context.Context, schema, table string) error

	// WriteSnapshotChunk bulk-inserts rows in a single transaction.
	// Columns derive from the first row.
	WriteSnapshotChunk(ctx context.Context, schema, table string, rows model.RowBatch) error

	// ApplyChanges applies an ordered batch atomically. mergeEnabled
	// selects idempotent-upsert semantics for insert/update.
	ApplyChanges(ctx context.Context, batch []model.ChangeEvent, targetSchema string, mergeEnabled bool) error
}

// SourceFactory constructs a fresh SourceConnector for one execution.
type SourceFactory func() SourceConnector

// TargetFactory constructs a fresh TargetConnector for one execution.
type TargetFactory func() TargetConnector

// Registry maps an Endpoint Kind to the factory that builds connectors for
// it, mirroring pkg/anchor/adapter.Registry's map+RWMutex pattern but
// split by source/target role since not every kind is valid in both
// roles (BigQuery is target-only).
type Registry struct {
	sources map[model.Kind]SourceFactory
	targets map[model.Kind]TargetFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[model.Kind]SourceFactory),
		targets: make(map[model.Kind]TargetFactory),
	}
}

func (r *Registry) RegisterSource(kind model.Kind, f SourceFactory) { r.sources[kind] = f }
func (r *Registry) RegisterTarget(kind model.Kind, f TargetFactory) { r.targets[kind] = f }

func (r *Registry) NewSource(kind model.Kind) (SourceConnector, bool) {
	f, ok := r.sources[kind]
	if !ok {
		return nil, false
	}
	return f(), true
}

func (r *Registry) NewTarget(kind model.Kind) (TargetConnector, bool) {
	f, ok := r.targets[kind]
	if !ok {
		return nil, false
	}
	return f(), true
}
