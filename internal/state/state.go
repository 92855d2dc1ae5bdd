// Package state persists the replication controller's durable keys:
// the confirmed LSN, the last-active timestamp, and client registry entries.
// The store is a small keyed map with JSON values; the Postgres
// implementation backs it with the replication_kv table.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibestack/walfeed/pkg/lsn"
)

// Well-known keys in the durable store.
const (
	KeyReplicationState = "replication_state"
	KeyLastActive       = "last_active_timestamp"
	KeyLastFullCleanup  = "last_full_cleanup"
	ClientKeyPrefix     = "client:"
)

// Store is the durable keyed store. Implementations must provide
// read-your-writes per key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all entries whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// ReplicationState is the value stored under KeyReplicationState.
type ReplicationState struct {
	ConfirmedLSN string `json:"confirmed_lsn"`
}

// LoadConfirmedLSN reads the confirmed LSN, defaulting to lsn.Zero when the
// state is missing (cold start on a fresh store).
func LoadConfirmedLSN(ctx context.Context, s Store) (lsn.LSN, error) {
	raw, ok, err := s.Get(ctx, KeyReplicationState)
	if err != nil {
		return lsn.Zero, fmt.Errorf("load replication state: %w", err)
	}
	if !ok {
		return lsn.Zero, nil
	}
	var rs ReplicationState
	if err := json.Unmarshal(raw, &rs); err != nil {
		return lsn.Zero, fmt.Errorf("decode replication state: %w", err)
	}
	if rs.ConfirmedLSN == "" {
		return lsn.Zero, nil
	}
	l, err := lsn.Parse(rs.ConfirmedLSN)
	if err != nil {
		return lsn.Zero, fmt.Errorf("decode replication state: %w", err)
	}
	return l, nil
}

// SaveConfirmedLSN durably records the confirmed LSN. Callers must only
// invoke this after the corresponding changes have been persisted.
func SaveConfirmedLSN(ctx context.Context, s Store, l lsn.LSN) error {
	raw, err := json.Marshal(ReplicationState{ConfirmedLSN: l.String()})
	if err != nil {
		return err
	}
	if err := s.Put(ctx, KeyReplicationState, raw); err != nil {
		return fmt.Errorf("save replication state: %w", err)
	}
	return nil
}

// LoadLastActive reads the last-active timestamp. ok is false when the key
// has never been written.
func LoadLastActive(ctx context.Context, s Store) (time.Time, bool, error) {
	raw, ok, err := s.Get(ctx, KeyLastActive)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err != nil {
		return time.Time{}, false, fmt.Errorf("decode last active: %w", err)
	}
	return time.UnixMilli(millis), true, nil
}

// SaveLastActive records the last-active timestamp as millis since epoch.
func SaveLastActive(ctx context.Context, s Store, t time.Time) error {
	raw, err := json.Marshal(t.UnixMilli())
	if err != nil {
		return err
	}
	if err := s.Put(ctx, KeyLastActive, raw); err != nil {
		return fmt.Errorf("save last active: %w", err)
	}
	return nil
}
