package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

const outputPlugin = "pgoutput"

// ensureSlotAndPublication creates the logical replication slot and
// publication on first use, matching the teacher's lazy auto-creation
// pattern. The publication covers every table in the database (FOR ALL
// TABLES), since the SourceConnector interface's Connect takes only an
// Endpoint, not the task's table selection. Events for every published
// table are returned, and the executor applies them without filtering by
// the task's table list.
func (c *Connector) ensureSlotAndPublication(ctx context.Context) error {
	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)`, c.publicationName).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", c.publicationName)
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	err = c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`, c.slotName).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		if err := c.connectReplication(ctx); err != nil {
			return err
		}
		_, err = pglogrepl.CreateReplicationSlot(ctx, c.replConn, c.slotName, outputPlugin,
			pglogrepl.CreateReplicationSlotOptions{Temporary: false})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetChanges tails logical replication from lastPosition. It starts
// streaming (or resumes an already-started stream) and drains whatever
// is immediately available, bounded by a short deadline so the call never
// blocks indefinitely, per the normative contract shared with the Oracle
// tail.
func (c *Connector) GetChanges(ctx context.Context, lastPosition model.Position) ([]model.ChangeEvent, model.Position, error) {
	if err := c.ensureSlotAndPublication(ctx); err != nil {
		return nil, lastPosition, rerr.New(rerr.SourceFatal, "postgres.GetChanges", err)
	}
	if err := c.connectReplication(ctx); err != nil {
		return nil, lastPosition, rerr.New(rerr.SourceTransient, "postgres.GetChanges", err)
	}

	startLSN := c.lastLSN
	if lsn, ok := lastPosition.LSN(); ok {
		startLSN = pglogrepl.LSN(lsn)
	}

	if !c.streamStarted {
		pluginArgs := []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", c.publicationName),
		}
		err := pglogrepl.StartReplication(ctx, c.replConn, c.slotName, startLSN,
			pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
		if err != nil {
			if isSlotInvalidated(err) {
				return nil, lastPosition, rerr.Withf(rerr.SourceFatal, "postgres.GetChanges",
					"replication slot %s invalidated (WAL segment removed): position purged: %v", c.slotName, err)
			}
			return nil, lastPosition, rerr.New(rerr.SourceTransient, "postgres.GetChanges", err)
		}
		c.streamStarted = true
		c.lastLSN = startLSN
	}

	events, newLSN, err := c.drainAvailable(ctx)
	if err != nil {
		return nil, lastPosition, rerr.New(rerr.SourceTransient, "postgres.GetChanges", err)
	}
	if newLSN == 0 {
		return events, lastPosition, nil
	}
	c.lastLSN = newLSN
	return events, model.PostgresLSN(uint64(newLSN)), nil
}

func isSlotInvalidated(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "invalidated") ||
		strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

// drainAvailable reads whatever XLogData/keepalive messages are available
// within a bounded window and decodes them into ChangeEvents, sending
// standby status updates as it goes.
func (c *Connector) drainAvailable(ctx context.Context) ([]model.ChangeEvent, pglogrepl.LSN, error) {
	deadline := time.Now().Add(2 * time.Second)
	var events []model.ChangeEvent
	maxLSN := c.lastLSN

	for time.Now().Before(deadline) {
		recvCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		msg, err := c.replConn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				break
			}
			return events, maxLSN, err
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return events, maxLSN, err
			}
			if pkm.ReplyRequested {
				_ = pglogrepl.SendStandbyStatusUpdate(ctx, c.replConn,
					pglogrepl.StandbyStatusUpdate{WALWritePosition: maxLSN})
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return events, maxLSN, err
			}
			evs, err := c.decodeWALMessage(xld.WALData)
			if err != nil {
				c.log.Warnf("postgres decode: %v (skipping message)", err)
				continue
			}
			events = append(events, evs...)
			if xld.WALStart > maxLSN {
				maxLSN = xld.WALStart
			}
		}
	}

	if maxLSN > c.lastLSN {
		_ = pglogrepl.SendStandbyStatusUpdate(ctx, c.replConn, pglogrepl.StandbyStatusUpdate{WALWritePosition: maxLSN})
	}
	return events, maxLSN, nil
}

// decodeWALMessage decodes one pgoutput logical message. Relation
// messages populate c.relations for subsequent tuple decoding; insert/
// update/delete messages become ChangeEvents using the previously seen
// relation's column names.
func (c *Connector) decodeWALMessage(data []byte) ([]model.ChangeEvent, error) {
	msg, err := pglogrepl.ParseV2(data, false)
	if err != nil {
		return nil, err
	}

	switch m := msg.(type) {
	case *pglogrepl.RelationMessageV2:
		c.relations[m.RelationID] = m
		return nil, nil
	case *pglogrepl.InsertMessageV2:
		rel, ok := c.relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("insert for unknown relation %d", m.RelationID)
		}
		after := decodeTuple(rel, m.Tuple)
		return []model.ChangeEvent{{
			Operation: model.OpInsert, Schema: rel.Namespace, Table: rel.RelationName,
			Timestamp: time.Now(), PrimaryKeys: primaryKeySubset(rel, after), AfterData: after,
		}}, nil
	case *pglogrepl.UpdateMessageV2:
		rel, ok := c.relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("update for unknown relation %d", m.RelationID)
		}
		after := decodeTuple(rel, m.NewTuple)
		var before map[string]any
		if m.OldTuple != nil {
			before = decodeTuple(rel, m.OldTuple)
		}
		return []model.ChangeEvent{{
			Operation: model.OpUpdate, Schema: rel.Namespace, Table: rel.RelationName,
			Timestamp: time.Now(), PrimaryKeys: primaryKeySubset(rel, after), BeforeData: before, AfterData: after,
		}}, nil
	case *pglogrepl.DeleteMessageV2:
		rel, ok := c.relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("delete for unknown relation %d", m.RelationID)
		}
		var before map[string]any
		if m.OldTuple != nil {
			before = decodeTuple(rel, m.OldTuple)
		}
		return []model.ChangeEvent{{
			Operation: model.OpDelete, Schema: rel.Namespace, Table: rel.RelationName,
			Timestamp: time.Now(), PrimaryKeys: primaryKeySubset(rel, before), BeforeData: before,
		}}, nil
	default:
		return nil, nil
	}
}

func decodeTuple(rel *pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData) map[string]any {
	if tuple == nil {
		return nil
	}
	row := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n':
			row[name] = nil
		case 't':
			row[name] = string(col.Data)
		default:
			row[name] = col.Data
		}
	}
	return row
}

// primaryKeySubset extracts the columns flagged as part of the relation's
// replica identity (the pgoutput stand-in for primary key flags) from a
// decoded row.
func primaryKeySubset(rel *pglogrepl.RelationMessageV2, row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	pk := make(map[string]any)
	for _, col := range rel.Columns {
		if col.Flags&1 != 0 { // bit 1 marks key column per pgoutput's relation message
			if v, ok := row[col.Name]; ok {
				pk[col.Name] = v
			}
		}
	}
	return pk
}
