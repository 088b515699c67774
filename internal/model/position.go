// Package model defines the data shapes shared by every component of the
// replication core: positions, change events, table schemas, endpoints,
// tasks, and their status/metrics.
package model

import (
	"encoding/json"
	"fmt"
)

// Position is an opaque marker of "how far we have consumed from the
// source". Only the source connector that produced a Position understands
// its internal shape; the rest of the core treats it as a comparable blob
// that round-trips through JSON for persistence.
type Position struct {
	Kind   string          `json:"kind"`
	Fields json.RawMessage `json:"fields"`
}

// IsZero reports whether p carries no observed position yet, i.e. "start
// from the current source position".
func (p Position) IsZero() bool {
	return p.Kind == "" && len(p.Fields) == 0
}

// Equal reports whether two positions are byte-identical once marshaled.
// Positions of different kinds are never equal.
func (p Position) Equal(other Position) bool {
	if p.Kind != other.Kind {
		return false
	}
	return string(p.Fields) == string(other.Fields)
}

func (p Position) String() string {
	if p.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s:%s", p.Kind, string(p.Fields))
}

// OracleSCN builds a Position for an Oracle LogMiner System Change Number.
func OracleSCN(scn uint64) Position {
	raw, _ := json.Marshal(struct {
		SCN uint64 `json:"scn"`
	}{SCN: scn})
	return Position{Kind: "oracle-scn", Fields: raw}
}

// SCN extracts the System Change Number from an oracle-scn Position. It
// returns ok=false if p is not an oracle-scn position.
func (p Position) SCN() (uint64, bool) {
	if p.Kind != "oracle-scn" {
		return 0, false
	}
	var v struct {
		SCN uint64 `json:"scn"`
	}
	if err := json.Unmarshal(p.Fields, &v); err != nil {
		return 0, false
	}
	return v.SCN, true
}

// PostgresLSN builds a Position for a PostgreSQL write-ahead-log sequence
// number.
func PostgresLSN(lsn uint64) Position {
	raw, _ := json.Marshal(struct {
		LSN uint64 `json:"lsn"`
	}{LSN: lsn})
	return Position{Kind: "postgres-lsn", Fields: raw}
}

// LSN extracts the log sequence number from a postgres-lsn Position.
func (p Position) LSN() (uint64, bool) {
	if p.Kind != "postgres-lsn" {
		return 0, false
	}
	var v struct {
		LSN uint64 `json:"lsn"`
	}
	if err := json.Unmarshal(p.Fields, &v); err != nil {
		return 0, false
	}
	return v.LSN, true
}

// MySQLBinlog builds a Position for a MySQL binlog file+offset pair.
func MySQLBinlog(file string, pos uint32) Position {
	raw, _ := json.Marshal(struct {
		File string `json:"file"`
		Pos  uint32 `json:"pos"`
	}{File: file, Pos: pos})
	return Position{Kind: "mysql-binlog", Fields: raw}
}
