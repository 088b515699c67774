package oracle

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/aelfazziki/replication-manager/internal/logger"
	"github.com/aelfazziki/replication-manager/internal/model"
)

func newTestApplyConnector(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Connector{db: db, log: logger.New("oracle-test")}, mock
}

// These events are shaped the way GetChanges actually produces them after
// fetchRowImages resolves real primary key columns: PrimaryKeys holds only
// the key columns, AfterData holds the full row (key columns included).
// A merge-enabled reapply must still update every non-key column, not just
// meta_update_timestamp.
func TestApplyChanges_MergeUpdatesNonKeyColumns(t *testing.T) {
	c, mock := newTestApplyConnector(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)MERGE INTO TGT\.WIDGETS t.*` +
		`WHEN MATCHED THEN UPDATE SET t\.NAME = s\.c\d+, t\.meta_update_timestamp = SYSTIMESTAMP.*` +
		`WHEN NOT MATCHED THEN INSERT`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch := []model.ChangeEvent{{
		Operation:   model.OpUpdate,
		Table:       "WIDGETS",
		PrimaryKeys: map[string]any{"ID": 1},
		AfterData:   map[string]any{"ID": 1, "NAME": "Bob"},
	}}

	err := c.ApplyChanges(context.Background(), batch, "TGT", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChanges_DeleteAddressesRowByRealPrimaryKey(t *testing.T) {
	c, mock := newTestApplyConnector(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM TGT\.WIDGETS WHERE ID = :1`).
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch := []model.ChangeEvent{{
		Operation:   model.OpDelete,
		Table:       "WIDGETS",
		PrimaryKeys: map[string]any{"ID": 7},
	}}

	err := c.ApplyChanges(context.Background(), batch, "TGT", false)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChanges_PlainUpdateSetsNonKeyColumnsOnly(t *testing.T) {
	c, mock := newTestApplyConnector(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE TGT\.WIDGETS SET NAME = :1, meta_update_timestamp = SYSTIMESTAMP WHERE ID = :2`).
		WithArgs("Bob", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch := []model.ChangeEvent{{
		Operation:   model.OpUpdate,
		Table:       "WIDGETS",
		PrimaryKeys: map[string]any{"ID": 1},
		AfterData:   map[string]any{"ID": 1, "NAME": "Bob"},
	}}

	err := c.ApplyChanges(context.Background(), batch, "TGT", false)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
