package oracle

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelfazziki/replication-manager/internal/logger"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

func newTestConnector(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Connector{db: db, log: logger.New("oracle-test"), state: stateIdle}, mock
}

func TestCurrentPosition_ReadsCurrentSCN(t *testing.T) {
	c, mock := newTestConnector(t)
	mock.ExpectQuery(`SELECT CURRENT_SCN FROM V\$DATABASE`).
		WillReturnRows(sqlmock.NewRows([]string{"CURRENT_SCN"}).AddRow(uint64(12345)))

	pos, err := c.CurrentPosition(context.Background())
	require.NoError(t, err)
	scn, ok := pos.SCN()
	require.True(t, ok)
	assert.Equal(t, uint64(12345), scn)
}

func TestGetChanges_PositionPurgedIsSourceFatal(t *testing.T) {
	c, mock := newTestConnector(t)

	// current_scn
	mock.ExpectQuery(`SELECT CURRENT_SCN FROM V\$DATABASE`).
		WillReturnRows(sqlmock.NewRows([]string{"CURRENT_SCN"}).AddRow(uint64(1000)))

	// registeredLogWindow: oldest archived first_change# (500) exceeds
	// start_scn (100), so the requested position has already been purged.
	mock.ExpectQuery(`FROM V\$ARCHIVED_LOG`).
		WillReturnRows(sqlmock.NewRows([]string{"NAME", "FIRST_CHANGE#", "NEXT_CHANGE#"}).
			AddRow("arch1.log", uint64(500), uint64(2000)))
	mock.ExpectQuery(`FROM V\$LOG`).
		WillReturnRows(sqlmock.NewRows([]string{"MEMBER", "FIRST_CHANGE#", "NEXT_CHANGE#"}))

	lastPosition := model.OracleSCN(100)
	events, newPos, err := c.GetChanges(context.Background(), lastPosition)

	require.Error(t, err)
	assert.Nil(t, events)
	assert.Equal(t, lastPosition, newPos)
	assert.True(t, rerr.IsFatal(err))
	assert.Contains(t, err.Error(), "position purged")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChanges_IdlePollNeverRegressesPosition(t *testing.T) {
	c, mock := newTestConnector(t)

	mock.ExpectQuery(`SELECT CURRENT_SCN FROM V\$DATABASE`).
		WillReturnRows(sqlmock.NewRows([]string{"CURRENT_SCN"}).AddRow(uint64(500)))

	emptyArchived := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"NAME", "FIRST_CHANGE#", "NEXT_CHANGE#"})
	}
	emptyOnline := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"MEMBER", "FIRST_CHANGE#", "NEXT_CHANGE#"})
	}

	// Initial window check, then two retries after forcing a log switch,
	// all coming back with no registered logs.
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(`FROM V\$ARCHIVED_LOG`).WillReturnRows(emptyArchived())
		mock.ExpectQuery(`FROM V\$LOG`).WillReturnRows(emptyOnline())
		if i < 2 {
			mock.ExpectExec(`ALTER SYSTEM SWITCH LOGFILE`).WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}

	lastPosition := model.Position{}
	events, newPos, err := c.GetChanges(context.Background(), lastPosition)

	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, lastPosition, newPos)
	assert.True(t, newPos.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}
