package mysql

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/aelfazziki/replication-manager/internal/logger"
	"github.com/aelfazziki/replication-manager/internal/model"
)

func newTestTargetConnector(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Connector{db: db, log: logger.New("mysql-test")}, mock
}

// A single-column after-image keeps columnOrder's map iteration
// deterministic so the scripted SQL can be asserted exactly.
func TestApplyChanges_UpsertUsesOnDuplicateKeyUpdate(t *testing.T) {
	c, mock := newTestTargetConnector(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `app`\\.`widgets` \\(`id`, `meta_create_timestamp`, `meta_update_timestamp`\\) " +
		"VALUES \\(\\?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP\\) " +
		"ON DUPLICATE KEY UPDATE `meta_update_timestamp` = CURRENT_TIMESTAMP").
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	batch := []model.ChangeEvent{{
		Operation:   model.OpInsert,
		Table:       "widgets",
		PrimaryKeys: map[string]any{"id": 1},
		AfterData:   map[string]any{"id": 1},
	}}

	err := c.ApplyChanges(context.Background(), batch, "app", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChanges_DeleteUsesPrimaryKeyWhere(t *testing.T) {
	c, mock := newTestTargetConnector(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `app`\\.`widgets` WHERE `id` = \\?").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch := []model.ChangeEvent{{
		Operation:   model.OpDelete,
		Table:       "widgets",
		PrimaryKeys: map[string]any{"id": 7},
	}}

	err := c.ApplyChanges(context.Background(), batch, "app", false)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChanges_SkipsEventWithNoPrimaryKey(t *testing.T) {
	c, mock := newTestTargetConnector(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	batch := []model.ChangeEvent{{
		Operation: model.OpInsert,
		Table:     "widgets",
		AfterData: map[string]any{"id": 1},
	}}

	err := c.ApplyChanges(context.Background(), batch, "app", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
