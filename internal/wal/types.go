// Package wal defines the typed shapes of logical-decoding output and the
// transformer that turns raw wal2json transactions into normalized table
// changes ready for persistence and client delivery.
package wal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibestack/walfeed/pkg/lsn"
)

// Record is a single row returned by the replication slot: one transaction's
// wal2json payload plus its commit position.
type Record struct {
	Data string
	LSN  lsn.LSN
	XID  uint32
}

// Op is the DML operation carried by a change.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

// String returns the lowercase wire name of the operation.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOp converts a wal2json kind string into an Op.
func ParseOp(s string) (Op, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown change kind %q", s)
	}
}

// MarshalJSON encodes the operation as its wire name.
func (o Op) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes the operation from its wire name.
func (o *Op) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	op, err := ParseOp(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// TableChange is the normalized record produced from a single WAL row.
// It is written once to change_history and shipped to clients unchanged.
type TableChange struct {
	Table     string         `json:"table"`
	Op        Op             `json:"op"`
	Data      map[string]any `json:"data"`
	LSN       lsn.LSN        `json:"-"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// tableChangeWire mirrors TableChange with the LSN in textual form.
type tableChangeWire struct {
	Table     string         `json:"table"`
	Op        Op             `json:"op"`
	Data      map[string]any `json:"data"`
	LSN       string         `json:"lsn"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MarshalJSON encodes the change with its LSN in "HHHH/HHHH" form.
func (c TableChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(tableChangeWire{
		Table:     c.Table,
		Op:        c.Op,
		Data:      c.Data,
		LSN:       c.LSN.String(),
		UpdatedAt: c.UpdatedAt,
	})
}

// UnmarshalJSON decodes a change produced by MarshalJSON.
func (c *TableChange) UnmarshalJSON(data []byte) error {
	var w tableChangeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	l, err := lsn.Parse(w.LSN)
	if err != nil {
		return err
	}
	*c = TableChange{
		Table:     w.Table,
		Op:        w.Op,
		Data:      w.Data,
		LSN:       l,
		UpdatedAt: w.UpdatedAt,
	}
	return nil
}

// ClientID returns the identifier of the client that authored the change,
// or "" when the change has no tracked origin.
func (c TableChange) ClientID() string {
	v, ok := c.Data["client_id"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// payload is the wal2json transaction envelope.
type payload struct {
	Change []entry `json:"change"`
}

// entry is a single per-row change inside a wal2json transaction.
type entry struct {
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	Kind         string   `json:"kind"`
	ColumnNames  []string `json:"columnnames"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      *oldKeys `json:"oldkeys,omitempty"`
}

// oldKeys carries the replica-identity key of a deleted or updated row.
type oldKeys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}
