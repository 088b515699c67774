package bigquery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// ApplyChanges runs each event as its own DML job against a *bigquery.Client,
// which has no grounded mock in the retrieved corpus; these cases instead
// pin down the pure string builders that construct that DML, since those
// carry all of the delete-then-insert semantics.

func TestDeleteByKeysSQL_SingleKey(t *testing.T) {
	sql := deleteByKeysSQL("proj", "app", "widgets", map[string]any{"id": int64(7)})
	assert.Equal(t, "DELETE FROM `proj.app.widgets` WHERE id = 7", sql)
}

func TestInsertRowSQL_AppendsMetaTimestampColumns(t *testing.T) {
	sql := insertRowSQL("proj", "app", "widgets", map[string]any{"id": int64(1)})
	assert.Equal(t,
		"INSERT INTO `proj.app.widgets` (id, meta_create_timestamp, meta_update_timestamp) "+
			"VALUES (1, CURRENT_TIMESTAMP(), CURRENT_TIMESTAMP())",
		sql)
}

func TestLiteralValue_EncodesCommonTypes(t *testing.T) {
	assert.Equal(t, "NULL", literalValue(nil))
	assert.Equal(t, `'it\'s'`, literalValue("it's"))
	assert.Equal(t, "true", literalValue(true))
	assert.Equal(t, "7", literalValue(int64(7)))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "TIMESTAMP '2026-01-02 03:04:05'", literalValue(ts))
}
