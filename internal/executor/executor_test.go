package executor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelfazziki/replication-manager/internal/connector"
	"github.com/aelfazziki/replication-manager/internal/control"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/repository/memory"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// fakeSource and fakeTarget implement the connector interfaces entirely in
// memory, driven by per-test scripted data, so the executor's phase logic
// can be exercised without a real database.

type fakeSource struct {
	position      model.Position
	rows          map[string]model.RowBatch // "schema.table" -> all rows
	chunkSize     int
	changeBatches [][]model.ChangeEvent // successive GetChanges results
	changeIdx     int
	getChangesErr []error // parallel to changeBatches, nil for success
	connected     bool
}

func (s *fakeSource) Connect(ctx context.Context, ep model.Endpoint) error { s.connected = true; return nil }
func (s *fakeSource) Disconnect() error                                   { s.connected = false; return nil }
func (s *fakeSource) CurrentPosition(ctx context.Context) (model.Position, error) {
	return s.position, nil
}
func (s *fakeSource) ListSchemasAndTables(ctx context.Context) (map[string][]string, error) {
	return nil, nil
}
func (s *fakeSource) GetTableSchema(ctx context.Context, schema, table string) (model.SourceTableSchema, error) {
	return model.SourceTableSchema{Schema: schema, Table: table}, nil
}

type fakeStream struct {
	batches [][]map[string]any
	idx     int
}

func (s *fakeStream) Next(ctx context.Context) (model.RowBatch, error) {
	if s.idx >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.idx]
	s.idx++
	return b, nil
}
func (s *fakeStream) Close() error { return nil }

func (s *fakeSource) SnapshotChunks(ctx context.Context, schema, table string, chunkSize int) (connector.SnapshotStream, error) {
	rows := s.rows[schema+"."+table]
	var batches [][]map[string]any
	batches = append(batches, rows)
	return &fakeStream{batches: batches}, nil
}

func (s *fakeSource) GetChanges(ctx context.Context, lastPosition model.Position) ([]model.ChangeEvent, model.Position, error) {
	if s.changeIdx >= len(s.changeBatches) {
		return nil, lastPosition, nil
	}
	i := s.changeIdx
	s.changeIdx++
	if s.getChangesErr != nil && s.getChangesErr[i] != nil {
		return nil, lastPosition, s.getChangesErr[i]
	}
	batch := s.changeBatches[i]
	if len(batch) == 0 {
		return nil, lastPosition, nil
	}
	return batch, batch[len(batch)-1].Position, nil
}

type fakeTarget struct {
	rows          map[string]map[string]map[string]any // table -> pk-string -> row
	applyErr      error
	failOnNthCall int // 0 means never fail
	applyCalls    int
	connected     bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{rows: make(map[string]map[string]map[string]any)}
}

func (t *fakeTarget) Connect(ctx context.Context, ep model.Endpoint) error { t.connected = true; return nil }
func (t *fakeTarget) Disconnect() error                                   { t.connected = false; return nil }
func (t *fakeTarget) CreateSchemaIfAbsent(ctx context.Context, schema string) error { return nil }
func (t *fakeTarget) CreateTableIfAbsent(ctx context.Context, src model.SourceTableSchema, sourceKind model.Kind, targetSchema string) error {
	return nil
}
func (t *fakeTarget) ClearTable(ctx context.Context, schema, table string) error {
	delete(t.rows, table)
	return nil
}

func (t *fakeTarget) WriteSnapshotChunk(ctx context.Context, schema, table string, rows model.RowBatch) error {
	if t.rows[table] == nil {
		t.rows[table] = make(map[string]map[string]any)
	}
	for _, row := range rows {
		key := pkString(row)
		t.rows[table][key] = row
	}
	return nil
}

func (t *fakeTarget) ApplyChanges(ctx context.Context, batch []model.ChangeEvent, targetSchema string, mergeEnabled bool) error {
	if len(batch) == 0 {
		return nil
	}
	t.applyCalls++
	if t.failOnNthCall > 0 && t.applyCalls == t.failOnNthCall {
		return rerr.New(rerr.TargetApplyError, "fakeTarget.ApplyChanges", t.applyErr)
	}
	for _, ev := range batch {
		if t.rows[ev.Table] == nil {
			t.rows[ev.Table] = make(map[string]map[string]any)
		}
		key := pkString(ev.PrimaryKeys)
		switch ev.Operation {
		case model.OpDelete:
			delete(t.rows[ev.Table], key)
		default:
			t.rows[ev.Table][key] = ev.AfterData
		}
	}
	return nil
}

func pkString(row map[string]any) string {
	v, ok := row["ID"]
	if !ok {
		return ""
	}
	switch n := v.(type) {
	case int:
		return string(rune('0' + n))
	default:
		return ""
	}
}

func setup(t *testing.T) (*memory.Repository, *control.Channel, *connector.Registry) {
	t.Helper()
	repo := memory.New()
	ctrl := control.New()
	reg := connector.NewRegistry()
	return repo, ctrl, reg
}

func baseTask() model.Task {
	return model.Task{
		ID:            "t1",
		SourceID:      "src",
		DestinationID: "tgt",
		Tables:        []model.TableSpec{{Schema: "HR", Table: "EMPLOYEES"}},
		RunningTaskID: "run-1",
		Status:        model.StatusPending,
		MergeEnabled:  true,
	}
}

// Scenario 1: snapshot + resume.
func TestExecute_SnapshotAndResume(t *testing.T) {
	repo, ctrl, reg := setup(t)
	task := baseTask()
	task.InitialLoad = true
	repo.PutTask(task)
	repo.PutEndpoint(model.Endpoint{ID: "src", Kind: model.KindOracle, Role: model.RoleSource})
	repo.PutEndpoint(model.Endpoint{ID: "tgt", Kind: model.KindOracle, Role: model.RoleTarget, TargetSchema: "HR_TRGT"})

	src := &fakeSource{
		position: model.OracleSCN(500),
		rows: map[string]model.RowBatch{
			"HR.EMPLOYEES": {
				{"ID": 1, "NAME": "a"},
				{"ID": 2, "NAME": "b"},
				{"ID": 3, "NAME": "c"},
			},
		},
	}
	tgt := newFakeTarget()
	reg.RegisterSource(model.KindOracle, func() connector.SourceConnector { return src })
	reg.RegisterTarget(model.KindOracle, func() connector.TargetConnector { return tgt })

	e := New(repo, reg, ctrl, WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, e.Execute(ctx, "t1"))

	final, ok := repo.Snapshot("t1")
	require.True(t, ok)
	scn, ok := final.LastPosition.SCN()
	require.True(t, ok)
	assert.Equal(t, uint64(500), scn)
	assert.False(t, final.InitialLoad)
	assert.Equal(t, int64(3), final.Metrics.Inserts)
	assert.Len(t, tgt.rows["EMPLOYEES"], 3)
}

// Scenario 2: tail advances monotonically.
func TestExecute_TailAdvances(t *testing.T) {
	repo, ctrl, reg := setup(t)
	task := baseTask()
	task.LastPosition = model.OracleSCN(1000)
	repo.PutTask(task)
	repo.PutEndpoint(model.Endpoint{ID: "src", Kind: model.KindOracle, Role: model.RoleSource})
	repo.PutEndpoint(model.Endpoint{ID: "tgt", Kind: model.KindOracle, Role: model.RoleTarget, TargetSchema: "HR_TRGT"})

	events := []model.ChangeEvent{
		{Operation: model.OpInsert, Table: "EMPLOYEES", Position: model.OracleSCN(1010), PrimaryKeys: map[string]any{"ID": 4}, AfterData: map[string]any{"ID": 4, "NAME": "d"}},
		{Operation: model.OpUpdate, Table: "EMPLOYEES", Position: model.OracleSCN(1020), PrimaryKeys: map[string]any{"ID": 2}, AfterData: map[string]any{"ID": 2, "NAME": "x"}},
		{Operation: model.OpDelete, Table: "EMPLOYEES", Position: model.OracleSCN(1030), PrimaryKeys: map[string]any{"ID": 1}},
	}
	src := &fakeSource{position: model.OracleSCN(1000), changeBatches: [][]model.ChangeEvent{events}}
	tgt := newFakeTarget()
	tgt.rows["EMPLOYEES"] = map[string]map[string]any{
		pkString(map[string]any{"ID": 1}): {"ID": 1, "NAME": "a"},
		pkString(map[string]any{"ID": 2}): {"ID": 2, "NAME": "b"},
		pkString(map[string]any{"ID": 3}): {"ID": 3, "NAME": "c"},
	}
	reg.RegisterSource(model.KindOracle, func() connector.SourceConnector { return src })
	reg.RegisterTarget(model.KindOracle, func() connector.TargetConnector { return tgt })

	e := New(repo, reg, ctrl, WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		ctrl.RequestStop("run-1")
	}()
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_ = e.Execute(ctx, "t1")

	final, ok := repo.Snapshot("t1")
	require.True(t, ok)
	scn, _ := final.LastPosition.SCN()
	assert.Equal(t, uint64(1030), scn)
	assert.Equal(t, int64(1), final.Metrics.Inserts)
	assert.Equal(t, int64(1), final.Metrics.Updates)
	assert.Equal(t, int64(1), final.Metrics.Deletes)
	assert.Len(t, tgt.rows["EMPLOYEES"], 3) // {2,3,4}
}

// Scenario 3: idempotent reapply.
func TestExecute_IdempotentReapply(t *testing.T) {
	repo, ctrl, reg := setup(t)
	task := baseTask()
	task.LastPosition = model.OracleSCN(1000)
	repo.PutTask(task)
	repo.PutEndpoint(model.Endpoint{ID: "src", Kind: model.KindOracle, Role: model.RoleSource})
	repo.PutEndpoint(model.Endpoint{ID: "tgt", Kind: model.KindOracle, Role: model.RoleTarget, TargetSchema: "HR_TRGT"})

	events := []model.ChangeEvent{
		{Operation: model.OpInsert, Table: "EMPLOYEES", Position: model.OracleSCN(1010), PrimaryKeys: map[string]any{"ID": 4}, AfterData: map[string]any{"ID": 4, "NAME": "d"}},
	}
	src := &fakeSource{position: model.OracleSCN(1000), changeBatches: [][]model.ChangeEvent{events, events}}
	tgt := newFakeTarget()
	reg.RegisterSource(model.KindOracle, func() connector.SourceConnector { return src })
	reg.RegisterTarget(model.KindOracle, func() connector.TargetConnector { return tgt })

	e := New(repo, reg, ctrl, WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, e.Execute(ctx, "t1"))
	assert.Len(t, tgt.rows["EMPLOYEES"], 1)
	assert.Equal(t, 2, tgt.applyCalls)

	final, ok := repo.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, int64(2), final.Metrics.Inserts)
}

// Scenario 4: stop during tail.
func TestExecute_StopDuringTail(t *testing.T) {
	repo, ctrl, reg := setup(t)
	task := baseTask()
	task.LastPosition = model.OracleSCN(1000)
	repo.PutTask(task)
	repo.PutEndpoint(model.Endpoint{ID: "src", Kind: model.KindOracle, Role: model.RoleSource})
	repo.PutEndpoint(model.Endpoint{ID: "tgt", Kind: model.KindOracle, Role: model.RoleTarget, TargetSchema: "HR_TRGT"})

	src := &fakeSource{position: model.OracleSCN(1000)} // no changes ever
	tgt := newFakeTarget()
	reg.RegisterSource(model.KindOracle, func() connector.SourceConnector { return src })
	reg.RegisterTarget(model.KindOracle, func() connector.TargetConnector { return tgt })

	e := New(repo, reg, ctrl, WithPollInterval(20*time.Millisecond))
	ctx := context.Background()

	ctrl.RequestStop("run-1")

	require.NoError(t, e.Execute(ctx, "t1"))

	final, ok := repo.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, model.StatusStopped, final.Status)
	scn, _ := final.LastPosition.SCN()
	assert.Equal(t, uint64(1000), scn)
	assert.False(t, src.connected)
	assert.False(t, tgt.connected)
}

// Scenario 5: target failure mid-batch.
func TestExecute_TargetFailureMidBatch(t *testing.T) {
	repo, ctrl, reg := setup(t)
	task := baseTask()
	task.LastPosition = model.OracleSCN(1000)
	repo.PutTask(task)
	repo.PutEndpoint(model.Endpoint{ID: "src", Kind: model.KindOracle, Role: model.RoleSource})
	repo.PutEndpoint(model.Endpoint{ID: "tgt", Kind: model.KindOracle, Role: model.RoleTarget, TargetSchema: "HR_TRGT"})

	events := []model.ChangeEvent{
		{Operation: model.OpInsert, Table: "EMPLOYEES", Position: model.OracleSCN(1010), PrimaryKeys: map[string]any{"ID": 4}, AfterData: map[string]any{"ID": 4, "NAME": "d"}},
		{Operation: model.OpUpdate, Table: "EMPLOYEES", Position: model.OracleSCN(1020), PrimaryKeys: map[string]any{"ID": 2}, AfterData: map[string]any{"ID": 2, "NAME": "x"}},
		{Operation: model.OpDelete, Table: "EMPLOYEES", Position: model.OracleSCN(1030), PrimaryKeys: map[string]any{"ID": 1}},
	}
	src := &fakeSource{position: model.OracleSCN(1000), changeBatches: [][]model.ChangeEvent{events}}
	tgt := newFakeTarget()
	tgt.failOnNthCall = 1
	reg.RegisterSource(model.KindOracle, func() connector.SourceConnector { return src })
	reg.RegisterTarget(model.KindOracle, func() connector.TargetConnector { return tgt })

	e := New(repo, reg, ctrl, WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, e.Execute(ctx, "t1"))

	final, ok := repo.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, final.Status)
	scn, _ := final.LastPosition.SCN()
	assert.Equal(t, uint64(1000), scn)
	assert.Equal(t, int64(0), final.Metrics.Inserts)
	assert.NotEmpty(t, final.Metrics.Error)
}

// Scenario 6: position purged.
func TestExecute_PositionPurged(t *testing.T) {
	repo, ctrl, reg := setup(t)
	task := baseTask()
	task.LastPosition = model.OracleSCN(100)
	repo.PutTask(task)
	repo.PutEndpoint(model.Endpoint{ID: "src", Kind: model.KindOracle, Role: model.RoleSource})
	repo.PutEndpoint(model.Endpoint{ID: "tgt", Kind: model.KindOracle, Role: model.RoleTarget, TargetSchema: "HR_TRGT"})

	purgedErr := rerr.Withf(rerr.SourceFatal, "oracle.GetChanges", "position purged: start_scn 100 precedes oldest registered log first_change# 500")
	src := &fakeSource{
		position:      model.OracleSCN(100),
		changeBatches: [][]model.ChangeEvent{nil},
		getChangesErr: []error{purgedErr},
	}
	tgt := newFakeTarget()
	reg.RegisterSource(model.KindOracle, func() connector.SourceConnector { return src })
	reg.RegisterTarget(model.KindOracle, func() connector.TargetConnector { return tgt })

	e := New(repo, reg, ctrl, WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, e.Execute(ctx, "t1"))

	final, ok := repo.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Contains(t, final.Metrics.Error, "position purged")
}

func TestExecute_RefusesReentry(t *testing.T) {
	repo, ctrl, reg := setup(t)
	task := baseTask()
	task.Status = model.StatusRunning
	repo.PutTask(task)

	e := New(repo, reg, ctrl)
	err := e.Execute(context.Background(), "t1")
	require.Error(t, err)
}
