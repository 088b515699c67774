package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// maxValidSCN filters sentinel next_change# values out of V$LOG/V$ARCHIVED_LOG,
// per §4.2.1 step 2 ("next_change# < 2^48").
const maxValidSCN uint64 = 1 << 48

// CurrentPosition returns the present tail-of-log marker.
func (c *Connector) CurrentPosition(ctx context.Context) (model.Position, error) {
	scn, err := c.currentSCN(ctx)
	if err != nil {
		return model.Position{}, rerr.New(rerr.SourceTransient, "oracle.CurrentPosition", err)
	}
	return model.OracleSCN(scn), nil
}

func (c *Connector) currentSCN(ctx context.Context) (uint64, error) {
	var scn uint64
	err := c.db.QueryRowContext(ctx, `SELECT CURRENT_SCN FROM V$DATABASE`).Scan(&scn)
	return scn, err
}

type logRange struct {
	first, next uint64
	name        string
	online      bool
}

// registeredLogWindow returns the union of archived and online log SCN
// ranges overlapping [startSCN, endSCN], per §4.2.1 steps 2-3, along with
// the oldest first_change# registered at all (used to detect "position
// purged").
func (c *Connector) registeredLogWindow(ctx context.Context, startSCN, endSCN uint64) ([]logRange, uint64, error) {
	var ranges []logRange
	oldestFirst := ^uint64(0)

	archRows, err := c.db.QueryContext(ctx, `
		SELECT NAME, FIRST_CHANGE#, NEXT_CHANGE#
		FROM V$ARCHIVED_LOG
		WHERE NEXT_CHANGE# < :1 AND DELETED = 'NO'
		ORDER BY FIRST_CHANGE#`, maxValidSCN)
	if err != nil {
		return nil, 0, err
	}
	defer archRows.Close()
	for archRows.Next() {
		var name string
		var first, next uint64
		if err := archRows.Scan(&name, &first, &next); err != nil {
			return nil, 0, err
		}
		if first < oldestFirst {
			oldestFirst = first
		}
		if next >= startSCN && first <= endSCN {
			ranges = append(ranges, logRange{first: first, next: next, name: name})
		}
	}
	if err := archRows.Err(); err != nil {
		return nil, 0, err
	}

	onlineRows, err := c.db.QueryContext(ctx, `
		SELECT f.MEMBER, l.FIRST_CHANGE#, l.NEXT_CHANGE#
		FROM V$LOG l
		JOIN V$LOGFILE f ON f.GROUP# = l.GROUP#
		WHERE l.NEXT_CHANGE# < :1`, maxValidSCN)
	if err != nil {
		return nil, 0, err
	}
	defer onlineRows.Close()
	for onlineRows.Next() {
		var name string
		var first, next uint64
		if err := onlineRows.Scan(&name, &first, &next); err != nil {
			return nil, 0, err
		}
		if first < oldestFirst {
			oldestFirst = first
		}
		if next >= startSCN && first <= endSCN {
			ranges = append(ranges, logRange{first: first, next: next, name: name, online: true})
		}
	}
	if err := onlineRows.Err(); err != nil {
		return nil, 0, err
	}

	return ranges, oldestFirst, nil
}

// registerLogFile adds a log file to the LogMiner session's file list. The
// first file of a session must pass NEW; subsequent files pass ADDFILE.
func (c *Connector) registerLogFile(ctx context.Context, name string, isNew bool) error {
	option := "DBMS_LOGMNR.ADDFILE"
	if isNew {
		option = "DBMS_LOGMNR.NEW"
	}
	stmt := fmt.Sprintf(`BEGIN DBMS_LOGMNR.ADD_LOGFILE(LOGFILENAME => :1, OPTIONS => %s); END;`, option)
	_, err := c.db.ExecContext(ctx, stmt, name)
	return err
}

func (c *Connector) startLogMinerSession(ctx context.Context, pdb string) error {
	if pdb != "" {
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf("ALTER SESSION SET CONTAINER = %s", pdb)); err != nil {
			return fmt.Errorf("set PDB context: %w", err)
		}
	}
	const stmt = `BEGIN
		DBMS_LOGMNR.START_LOGMNR(
			OPTIONS => DBMS_LOGMNR.DICT_FROM_ONLINE_CATALOG +
			           DBMS_LOGMNR.COMMITTED_DATA_ONLY +
			           DBMS_LOGMNR.PRINT_PRETTY_SQL +
			           DBMS_LOGMNR.CONTINUOUS_MINE);
	END;`
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func (c *Connector) stopLogMiner(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `BEGIN DBMS_LOGMNR.END_LOGMNR; END;`)
	return err
}

// operationCodes are the DBMS_LOGMNR OPERATION_CODE values for insert (1),
// delete (2), update (3), per §4.2.1 step 5.
var operationCodes = map[int]model.Operation{
	1: model.OpInsert,
	2: model.OpDelete,
	3: model.OpUpdate,
}

// logMinerRow is one row of V$LOGMNR_CONTENTS relevant to change
// extraction. SEG_OWNER/TABLE_NAME/ROW_ID come from LogMiner; primaryKey
// and after are filled by fetchRowImages, which reads the source table by
// ROW_ID rather than LogMiner's column-level values, and before is never
// filled. SQL_REDO is kept only as a debug trace field per the resolved
// Open Question (SPEC_FULL.md §9).
type logMinerRow struct {
	scn        uint64
	timestamp  time.Time
	opCode     int
	segOwner   string
	tableName  string
	rowID      string
	sqlRedo    string
	before     map[string]any
	after      map[string]any
	primaryKey map[string]any
}

// GetChanges implements the normative tail algorithm of §4.2.1.
func (c *Connector) GetChanges(ctx context.Context, lastPosition model.Position) ([]model.ChangeEvent, model.Position, error) {
	startSCN, ok := lastPosition.SCN()
	if !ok {
		startSCN = 0
	}

	// Step 1: determine end window.
	endSCN, err := c.currentSCN(ctx)
	if err != nil {
		return nil, lastPosition, rerr.New(rerr.SourceTransient, "oracle.GetChanges", err)
	}
	if startSCN > endSCN {
		c.log.Warnf("start_scn %d exceeds current_scn %d, falling back to current_scn", startSCN, endSCN)
		startSCN = endSCN
	}

	// Step 2: validate SCN range / detect purged position.
	ranges, oldestFirst, err := c.registeredLogWindow(ctx, startSCN, endSCN)
	if err != nil {
		return nil, lastPosition, rerr.New(rerr.SourceTransient, "oracle.GetChanges", err)
	}
	if oldestFirst != ^uint64(0) && startSCN > 0 && startSCN < oldestFirst {
		return nil, lastPosition, rerr.Withf(rerr.SourceFatal, "oracle.GetChanges",
			"position purged: start_scn %d precedes oldest registered log first_change# %d", startSCN, oldestFirst)
	}

	// Step 3: register log files, with a bounded retry on an empty set.
	registered := 0
	for attempt := 0; attempt < 3; attempt++ {
		registered = 0
		for i, lr := range ranges {
			if err := c.registerLogFile(ctx, lr.name, i == 0); err != nil {
				c.log.Warnf("could not register log %s: %v (skipped)", lr.name, err)
				continue
			}
			registered++
		}
		if registered > 0 {
			break
		}
		if attempt < 2 {
			c.log.Warnf("no logs registered (attempt %d/3), forcing archive switch", attempt+1)
			_, _ = c.db.ExecContext(ctx, `ALTER SYSTEM SWITCH LOGFILE`)
			time.Sleep(200 * time.Millisecond)
			ranges, _, err = c.registeredLogWindow(ctx, startSCN, endSCN)
			if err != nil {
				return nil, lastPosition, rerr.New(rerr.SourceTransient, "oracle.GetChanges", err)
			}
		}
	}
	if registered == 0 {
		c.log.Warnf("no LogMiner logs available after retries; idle poll")
		return nil, lastPosition, nil
	}

	// Step 4: start session.
	c.state = stateMining
	c.miningWindowStart, c.miningWindowEnd = startSCN, endSCN
	pdb := c.ep.Options["pdb"]
	if err := c.startLogMinerSession(ctx, pdb); err != nil {
		c.state = stateFailed
		return nil, lastPosition, rerr.New(rerr.SourceTransient, "oracle.GetChanges", err)
	}
	defer func() {
		if stopErr := c.stopLogMiner(context.Background()); stopErr != nil {
			c.log.Warnf("stopLogMiner: %v", stopErr)
		}
		if c.state == stateMining {
			c.state = stateIdle
		}
	}()

	// Step 5: query captured events.
	rows, err := c.queryLogMinerContents(ctx, startSCN)
	if err != nil {
		c.state = stateFailed
		return nil, lastPosition, rerr.New(rerr.SourceTransient, "oracle.GetChanges", err)
	}

	// Step 6: translate rows.
	events := make([]model.ChangeEvent, 0, len(rows))
	maxSCN := startSCN
	for _, r := range rows {
		op, ok := operationCodes[r.opCode]
		if !ok {
			continue
		}
		if systemSchemas[strings.ToUpper(r.segOwner)] {
			continue
		}
		if r.scn > maxSCN {
			maxSCN = r.scn
		}
		events = append(events, model.ChangeEvent{
			Operation:   op,
			Schema:      r.segOwner,
			Table:       r.tableName,
			Position:    model.OracleSCN(r.scn),
			Timestamp:   r.timestamp,
			PrimaryKeys: r.primaryKey,
			BeforeData:  r.before,
			AfterData:   r.after,
		})
	}

	// Step 7: new_position never regresses; idle polls are idempotent.
	newPosition := lastPosition
	if len(events) > 0 {
		newPosition = model.OracleSCN(maxSCN)
	} else if lastPosition.IsZero() {
		newPosition = model.OracleSCN(endSCN)
	}

	c.state = stateIdle
	return events, newPosition, nil
}

// queryLogMinerContents runs the V$LOGMNR_CONTENTS query of §4.2.1 step 5
// and resolves each row's images with fetchRowImages, which reads the
// source table by ROW_ID; neither LogMiner's column-level values nor
// SQL_REDO text are used to populate them.
func (c *Connector) queryLogMinerContents(ctx context.Context, startSCN uint64) ([]logMinerRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT
			SCN, TIMESTAMP, OPERATION_CODE, SEG_OWNER, TABLE_NAME, ROW_ID,
			SQL_REDO
		FROM V$LOGMNR_CONTENTS
		WHERE SCN > :1
		  AND OPERATION_CODE IN (1, 2, 3)
		ORDER BY SCN ASC`, startSCN)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pkCache := make(map[string][]string)
	var out []logMinerRow
	for rows.Next() {
		var r logMinerRow
		var ts time.Time
		var redo sql.NullString
		if err := rows.Scan(&r.scn, &ts, &r.opCode, &r.segOwner, &r.tableName, &r.rowID, &redo); err != nil {
			return nil, err
		}
		r.timestamp = ts
		r.sqlRedo = redo.String

		pkCols, pkErr := c.cachedPrimaryKeyColumns(ctx, pkCache, r.segOwner, r.tableName)
		if pkErr != nil {
			c.log.Warnf("could not resolve primary key columns for %s.%s: %v; SQL_REDO trace: %s",
				r.segOwner, r.tableName, pkErr, truncate(r.sqlRedo, 200))
			out = append(out, r)
			continue
		}

		// Structured extraction: a follow-up fetch from the source table
		// keyed by ROW_ID. For insert/update this reads the row as it is
		// now, which may be newer than this change; for delete it reads
		// the primary key as of the SCN before the change.
		before, after, pk, ferr := c.fetchRowImages(ctx, r.segOwner, r.tableName, r.rowID, operationCodes[r.opCode], pkCols, r.scn)
		if ferr != nil {
			c.log.Warnf("could not extract structured row image for %s.%s ROWID=%s: %v; SQL_REDO trace: %s",
				r.segOwner, r.tableName, r.rowID, ferr, truncate(r.sqlRedo, 200))
		} else {
			r.before, r.after, r.primaryKey = before, after, pk
		}

		out = append(out, r)
	}
	return out, rows.Err()
}

// cachedPrimaryKeyColumns resolves a table's primary key column names,
// memoized per queryLogMinerContents call since a batch typically repeats
// the same handful of tables across many rows.
func (c *Connector) cachedPrimaryKeyColumns(ctx context.Context, cache map[string][]string, owner, table string) ([]string, error) {
	key := owner + "." + table
	if cols, ok := cache[key]; ok {
		return cols, nil
	}
	cols, err := c.primaryKeyColumns(ctx, owner, table)
	if err != nil {
		return nil, err
	}
	cache[key] = cols
	return cols, nil
}

// primaryKeyColumns resolves a table's primary key column names via
// ALL_CONSTRAINTS/ALL_CONS_COLUMNS, the same join oracle/snapshot.go's
// queryTableSchema uses to flag ColumnDef.PK.
func (c *Connector) primaryKeyColumns(ctx context.Context, owner, table string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT cc.COLUMN_NAME
		FROM ALL_CONSTRAINTS c
		JOIN ALL_CONS_COLUMNS cc
		  ON cc.CONSTRAINT_NAME = c.CONSTRAINT_NAME AND cc.OWNER = c.OWNER
		WHERE c.CONSTRAINT_TYPE = 'P' AND c.OWNER = :1 AND c.TABLE_NAME = :2
		ORDER BY cc.POSITION`, owner, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// fetchRowImages resolves the current (after) row image by ROWID for
// insert/update, and the primary-key-only values needed to address the row
// for update/delete. pkCols is the table's actual primary key column list
// (from primaryKeyColumns), not the physical ROWID, so the resulting
// PrimaryKeys map carries values meaningful on the target table.
func (c *Connector) fetchRowImages(ctx context.Context, owner, table, rowID string, op model.Operation, pkCols []string, scn uint64) (before, after, pk map[string]any, err error) {
	if len(pkCols) == 0 {
		return nil, nil, nil, fmt.Errorf("no primary key columns known for %s.%s", owner, table)
	}

	if op == model.OpDelete {
		// The row no longer exists as of the current mining position; a
		// flashback query as of the SCN immediately preceding this
		// change recovers the pre-delete primary key values, which is
		// the structured equivalent of decoding LogMiner's key-column
		// images without parsing SQL_REDO text.
		asOfSCN := scn
		if asOfSCN > 0 {
			asOfSCN--
		}
		query := fmt.Sprintf(`SELECT %s FROM %s.%s AS OF SCN :1 WHERE ROWID = CHARTOROWID(:2)`,
			strings.Join(pkCols, ", "), owner, table)
		rows, qerr := c.db.QueryContext(ctx, query, asOfSCN, rowID)
		if qerr != nil {
			return nil, nil, nil, qerr
		}
		defer rows.Close()
		if !rows.Next() {
			return nil, nil, nil, fmt.Errorf("pre-delete row with ROWID %s not found as of SCN %d", rowID, asOfSCN)
		}
		vals := make([]any, len(pkCols))
		ptrs := make([]any, len(pkCols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, nil, err
		}
		pk = make(map[string]any, len(pkCols))
		for i, col := range pkCols {
			pk[col] = vals[i]
		}
		return nil, nil, pk, rows.Err()
	}

	query := fmt.Sprintf(`SELECT * FROM %s.%s WHERE ROWID = CHARTOROWID(:1)`, owner, table)
	rows, qerr := c.db.QueryContext(ctx, query, rowID)
	if qerr != nil {
		return nil, nil, nil, qerr
	}
	defer rows.Close()
	cols, cerr := rows.Columns()
	if cerr != nil {
		return nil, nil, nil, cerr
	}

	if !rows.Next() {
		return nil, nil, nil, fmt.Errorf("row with ROWID %s no longer present", rowID)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, nil, nil, err
	}
	image := make(map[string]any, len(cols))
	for i, name := range cols {
		image[name] = vals[i]
	}
	return nil, image, primaryKeySubset(image, pkCols), rows.Err()
}

// primaryKeySubset extracts only the primary key columns from a decoded
// row image, mirroring internal/connector/postgres/replication.go's
// primaryKeySubset (there keyed off pgoutput's replica-identity flags,
// here off the ALL_CONSTRAINTS-resolved column list).
func primaryKeySubset(row map[string]any, pkCols []string) map[string]any {
	pk := make(map[string]any, len(pkCols))
	for _, col := range pkCols {
		if v, ok := row[col]; ok {
			pk[col] = v
		}
	}
	return pk
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
