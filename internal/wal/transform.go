package wal

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Filter reasons recorded when a WAL entry produces no TableChange.
const (
	ReasonInvalidJSON    = "invalid_json"
	ReasonMissingOldKeys = "delete.missing_oldkeys"
	ReasonMisalignedCols = "column.misaligned"
	ReasonNotTrackedBase = "not_tracked"
	ReasonUnknownKind    = "unknown_kind"
)

// FilterCounter receives one increment per discarded WAL entry, keyed by
// reason, so operators can explain missing changes.
type FilterCounter interface {
	IncFilter(reason string)
}

// Transformer turns raw slot records into normalized TableChanges.
type Transformer struct {
	filter   *Filter
	counters FilterCounter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTransformer creates a Transformer using the given table filter.
// counters may be nil when no filter accounting is wanted.
func NewTransformer(filter *Filter, counters FilterCounter, logger zerolog.Logger) *Transformer {
	return &Transformer{
		filter:   filter,
		counters: counters,
		logger:   logger.With().Str("component", "transformer").Logger(),
		now:      time.Now,
	}
}

// Transform parses the record's wal2json payload and emits zero or more
// TableChanges, one per tracked row change. Malformed entries are discarded
// with a filter-reason increment; they are never fatal.
func (t *Transformer) Transform(rec Record) []TableChange {
	var p payload
	if err := json.Unmarshal([]byte(rec.Data), &p); err != nil {
		t.count(ReasonInvalidJSON)
		t.logger.Warn().
			Err(err).
			Stringer("lsn", rec.LSN).
			Str("event", "replication.transform.invalid_json").
			Msg("discarding unparsable WAL payload")
		return nil
	}

	var changes []TableChange
	for _, e := range p.Change {
		if ch, ok := t.transformEntry(e, rec); ok {
			changes = append(changes, ch)
		}
	}
	return changes
}

// TransformAll flattens a batch of records in slot order.
func (t *Transformer) TransformAll(recs []Record) []TableChange {
	var changes []TableChange
	for _, rec := range recs {
		changes = append(changes, t.Transform(rec)...)
	}
	return changes
}

func (t *Transformer) transformEntry(e entry, rec Record) (TableChange, bool) {
	if !t.filter.ShouldTrack(e.Table) {
		t.count(ReasonNotTrackedBase + "." + e.Table)
		return TableChange{}, false
	}

	op, err := ParseOp(e.Kind)
	if err != nil {
		t.count(ReasonUnknownKind)
		t.logger.Warn().
			Str("kind", e.Kind).
			Str("table", e.Table).
			Stringer("lsn", rec.LSN).
			Str("event", "replication.transform.unknown_kind").
			Msg("discarding change with unknown kind")
		return TableChange{}, false
	}

	var data map[string]any
	switch op {
	case OpDelete:
		if e.OldKeys == nil || len(e.OldKeys.KeyNames) == 0 {
			t.count(ReasonMissingOldKeys)
			t.logger.Warn().
				Str("table", e.Table).
				Stringer("lsn", rec.LSN).
				Str("event", "replication.transform.missing_oldkeys").
				Msg("discarding delete without oldkeys")
			return TableChange{}, false
		}
		data = zip(e.OldKeys.KeyNames, e.OldKeys.KeyValues)
		if data == nil {
			t.count(ReasonMisalignedCols)
			return TableChange{}, false
		}
	default:
		data = zip(e.ColumnNames, e.ColumnValues)
		if data == nil {
			t.count(ReasonMisalignedCols)
			t.logger.Warn().
				Str("table", e.Table).
				Int("names", len(e.ColumnNames)).
				Int("values", len(e.ColumnValues)).
				Stringer("lsn", rec.LSN).
				Str("event", "replication.transform.misaligned").
				Msg("discarding change with misaligned columns")
			return TableChange{}, false
		}
	}

	return TableChange{
		Table:     e.Table,
		Op:        op,
		Data:      data,
		LSN:       rec.LSN,
		UpdatedAt: t.updatedAt(data),
	}, true
}

// updatedAt prefers the row's own updated_at column when it is a parseable
// timestamp string; otherwise it falls back to the transform-time clock.
func (t *Transformer) updatedAt(data map[string]any) time.Time {
	if v, ok := data["updated_at"]; ok {
		if s, ok := v.(string); ok {
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07", "2006-01-02 15:04:05-07"} {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts.UTC()
				}
			}
		}
	}
	return t.now().UTC()
}

func (t *Transformer) count(reason string) {
	if t.counters != nil {
		t.counters.IncFilter(reason)
	}
}

// zip pairs column names with values by index. A length mismatch or an
// empty name set yields nil.
func zip(names []string, values []any) map[string]any {
	if len(names) == 0 || len(names) != len(values) {
		return nil
	}
	data := make(map[string]any, len(names))
	for i, n := range names {
		data[n] = values[i]
	}
	return data
}
